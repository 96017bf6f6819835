// Package buildinfo exposes the tool version.
package buildinfo

import (
	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// Version is overwritten at link time with -ldflags "-X github.com/yanula20/sitepipe/pkg/buildinfo.Version=..."
var Version = "0.4.0"

// Satisfies checks whether version matches the semver constraint (i.e. ">= 0.3, < 1").
func Satisfies(version, constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, eris.Wrapf(err, "invalid version constraint %s", constraint)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false, eris.Wrapf(err, "invalid version %s", version)
	}

	return c.Check(v), nil
}

// Require returns an error if the running version doesn't match constraint.
func Require(constraint string) error {
	ok, err := Satisfies(Version, constraint)
	if err != nil {
		return err
	}

	if !ok {
		return eris.Errorf("this project requires sitepipe %s but this is version %s", constraint, Version)
	}
	return nil
}
