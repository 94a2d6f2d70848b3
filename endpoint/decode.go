package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length of a decoded value when a field
// has no maxLength tag.
var defaultFieldLimit = 4 * 1024

// Unmarshal populates dst, a non-nil pointer to a struct, from the request.
//
// Supported struct tags, checked in this order:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  r.URL.Query()
//   - `header:"name"` r.Header
//   - `cookie:"name"` r.Cookie(name)
//   - `maxLength:"n"` maximum byte length of the value; "0" disables the limit
//
// A tag name of "-" skips the field. Untagged fields are left untouched.
// Supported field kinds are string, bool, the integer kinds and slices of
// those (query and header only). A value that is too long or fails to parse
// is a 400.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	rv = rv.Elem()
	// A pointer params type (e.g. *LoginParams) arrives as **T.
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: unsupported params type %s", rv.Type()))
	}
	return unmarshalStruct(r, rv)
}

type source struct {
	tag   string
	fetch func(r *http.Request, name string) []string
}

var sources = []source{
	{"path", func(r *http.Request, name string) []string {
		if v := r.PathValue(name); v != "" {
			return []string{v}
		}
		return nil
	}},
	{"query", func(r *http.Request, name string) []string {
		return r.URL.Query()[name]
	}},
	{"header", func(r *http.Request, name string) []string {
		return r.Header.Values(name)
	}},
	{"cookie", func(r *http.Request, name string) []string {
		c, err := r.Cookie(name)
		if err != nil {
			return nil
		}
		return []string{c.Value}
	}},
}

func unmarshalStruct(r *http.Request, sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		// Embedded structs without tags are flattened.
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && !hasSourceTag(sf) {
			if err := unmarshalStruct(r, fv); err != nil {
				return err
			}
			continue
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, src := range sources {
			name, ok := sf.Tag.Lookup(src.tag)
			if !ok {
				continue
			}
			name, _, _ = strings.Cut(name, ",")
			if name == "-" {
				break
			}
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			values := src.fetch(r, name)
			if len(values) == 0 {
				continue
			}
			for _, v := range values {
				if limit > 0 && len(v) > limit {
					return newEndpointError(http.StatusBadRequest, fmt.Sprintf("%s %q too long", src.tag, name), nil)
				}
			}
			if err := setField(fv, values); err != nil {
				return newEndpointError(http.StatusBadRequest, fmt.Sprintf("invalid %s %q", src.tag, name), err)
			}
			break
		}
	}
	return nil
}

func hasSourceTag(sf reflect.StructField) bool {
	for _, src := range sources {
		if _, ok := sf.Tag.Lookup(src.tag); ok {
			return true
		}
	}
	return false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid maxLength %q", tag)
	}
	return n, nil
}

func setField(fv reflect.Value, values []string) error {
	if !fv.CanSet() {
		return errors.New("field is not settable")
	}
	if fv.Kind() == reflect.Slice {
		out := reflect.MakeSlice(fv.Type(), len(values), len(values))
		for i, v := range values {
			if err := setScalar(out.Index(i), v); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	}
	return setScalar(fv, values[0])
}

func setScalar(fv reflect.Value, v string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(v)
	case reflect.Bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(v, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(v, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}
