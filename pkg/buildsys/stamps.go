package buildsys

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

// StateFile is the location of the stamp database relative to the project root.
const StateFile = ".sitepipe/state.db"

var stampBucket = []byte("stamps")

// Stamps persists the input fingerprint of each task between runs. The database is only opened for the
// duration of each transaction so that several sitepipe processes can share it.
type Stamps struct {
	path string
}

// OpenStamps creates the stamp database at path if it doesn't exist yet.
func OpenStamps(path string) (*Stamps, error) {
	err := os.MkdirAll(filepath.Dir(path), 0770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	s := &Stamps{path: path}
	err = s.withDB(false, func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stampBucket)
		return err
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialise state")
	}

	return s, nil
}

func (s *Stamps) withDB(readOnly bool, fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", s.path)
	}
	defer db.Close()

	if readOnly {
		return db.View(fn)
	}
	return db.Update(fn)
}

// Get returns the stored fingerprint for task or an empty string.
func (s *Stamps) Get(task string) (string, error) {
	var result string
	err := s.withDB(true, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stampBucket)
		if bucket != nil {
			result = string(bucket.Get([]byte(task)))
		}
		return nil
	})
	if err != nil {
		return "", eris.Wrapf(err, "failed to read stamp for %s", task)
	}

	return result, nil
}

// Put stores fingerprint for task.
func (s *Stamps) Put(task, fingerprint string) error {
	err := s.withDB(false, func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(stampBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(task), []byte(fingerprint))
	})
	if err != nil {
		return eris.Wrapf(err, "failed to store stamp for %s", task)
	}

	return nil
}

// Delete forgets the fingerprint for task.
func (s *Stamps) Delete(task string) error {
	err := s.withDB(false, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stampBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(task))
	})
	if err != nil {
		return eris.Wrapf(err, "failed to delete stamp for %s", task)
	}

	return nil
}

// Close is kept for callers that defer it; no file is held between transactions.
func (s *Stamps) Close() error {
	return nil
}

// fingerprint hashes the names, sizes and contents of files. The order of files doesn't matter.
func fingerprint(files []string) (string, error) {
	sorted := append([]string{}, files...)
	sort.Strings(sorted)

	hash := sha256.New()
	for _, file := range sorted {
		info, err := os.Stat(file)
		if err != nil {
			return "", eris.Wrapf(err, "failed to check input %s", file)
		}
		if info.IsDir() {
			continue
		}

		hash.Write([]byte(filepath.ToSlash(file)))
		hash.Write([]byte{0})
		hash.Write([]byte(strconv.FormatInt(info.Size(), 10)))
		hash.Write([]byte{0})

		f, err := os.Open(file)
		if err != nil {
			return "", eris.Wrapf(err, "failed to open input %s", file)
		}

		_, err = io.Copy(hash, f)
		f.Close()
		if err != nil {
			return "", eris.Wrapf(err, "failed to read input %s", file)
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
