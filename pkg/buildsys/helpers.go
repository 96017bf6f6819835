package buildsys

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

func normalizePath(ctx *parserCtx, pathList ...string) string {
	return joinPath(filepath.Dir(ctx.filepath), ctx.projectRoot, pathList...)
}

// joinPath resolves pathList relative to dir. Elements starting with // are relative to the project root.
func joinPath(dir, projectRoot string, pathList ...string) string {
	result := dir

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(projectRoot, path[2:])
		} else if strings.HasPrefix(path, "/") {
			result = filepath.Join(filepath.VolumeName(result), path)
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

func simplifyPath(ctx *parserCtx, path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	rel, err := filepath.Rel(ctx.projectRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return "//" + filepath.ToSlash(rel)
}

// pathArg converts a string or path value into a Go string.
func pathArg(value starlark.Value, field string) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	default:
		return "", eris.Errorf("%s: got %s, want string or path", field, value.Type())
	}
}

// patternArg accepts a single string/path or a list/tuple of them and resolves each entry relative to the
// script's directory.
func patternArg(ctx *parserCtx, value starlark.Value, field string) ([]string, error) {
	var raw []starlark.Value

	switch value := value.(type) {
	case nil:
		return []string{}, nil
	case starlark.NoneType:
		return []string{}, nil
	case starlark.String, StarlarkPath:
		raw = []starlark.Value{value}
	case starlarkIterable:
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			raw = append(raw, item)
		}
	default:
		return nil, eris.Errorf("%s: got %s, want string, path or list", field, value.Type())
	}

	result := make([]string, len(raw))
	for idx, item := range raw {
		path, err := pathArg(item, field)
		if err != nil {
			return nil, err
		}
		result[idx] = normalizePath(ctx, path)
	}

	return result, nil
}

// getEnvVars merges the process environment with the values set through setenv().
func getEnvVars(ctx *parserCtx) []string {
	osEnv := os.Environ()
	result := make([]string, 0, len(osEnv)+len(ctx.envOverrides))
	for _, item := range osEnv {
		name := item
		if pos := strings.Index(item, "="); pos > -1 {
			name = item[:pos]
		}
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}

		if _, present := ctx.envOverrides[name]; !present {
			result = append(result, item)
		}
	}

	names := make([]string, 0, len(ctx.envOverrides))
	for name := range ctx.envOverrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result = append(result, name+"="+ctx.envOverrides[name])
	}
	return result
}

// interfaceToStarlark converts decoded YAML or JSON data. Lists become tuples and maps become dicts with sorted
// keys.
func interfaceToStarlark(value interface{}) (starlark.Value, error) {
	if value == nil {
		return starlark.None, nil
	}

	ref := reflect.ValueOf(value)
	switch ref.Kind() {
	case reflect.String:
		return starlark.String(ref.String()), nil
	case reflect.Bool:
		return starlark.Bool(ref.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return starlark.MakeInt64(ref.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return starlark.MakeUint64(ref.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return starlark.Float(ref.Float()), nil
	case reflect.Ptr, reflect.Interface:
		if ref.IsNil() {
			return starlark.None, nil
		}
		return interfaceToStarlark(ref.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if ref.Kind() == reflect.Slice && ref.IsNil() {
			return starlark.None, nil
		}

		tuple := make(starlark.Tuple, ref.Len())
		for idx := range tuple {
			item, err := interfaceToStarlark(ref.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
			tuple[idx] = item
		}
		return tuple, nil
	case reflect.Map:
		if ref.IsNil() {
			return starlark.None, nil
		}

		keys := ref.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})

		dict := starlark.NewDict(len(keys))
		for _, key := range keys {
			starKey, err := interfaceToStarlark(key.Interface())
			if err != nil {
				return nil, err
			}

			starValue, err := interfaceToStarlark(ref.MapIndex(key).Interface())
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(starKey, starValue)
			if err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %T", value)
}
