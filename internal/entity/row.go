package entity

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// TagName is the struct tag naming an entity field's column.
const TagName = "db"

var (
	timeType   = reflect.TypeOf(time.Time{})
	valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
)

// ToRow flattens e into a column -> value map. Embedded structs, and fields tagged
// ",squash", contribute their columns to the same row. time.Time and driver.Valuer
// fields are kept as they are; any other struct field is rejected.
func ToRow[T any](e *T) (map[string]any, error) {
	if e == nil {
		return nil, fmt.Errorf("encoding %T: nil entity", e)
	}
	v := reflect.ValueOf(e).Elem()
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("encoding %T: entity must be a struct", e)
	}
	out := make(map[string]any)
	if err := flatten(v, out); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", e, err)
	}
	return out, nil
}

// columnValue reports whether values of t are stored in a single column
func columnValue(t reflect.Type) bool {
	return t == timeType || t.Implements(valuerType) || reflect.PointerTo(t).Implements(valuerType)
}

func flatten(v reflect.Value, out map[string]any) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get(TagName), ",")
		if name == "-" || !f.IsExported() {
			continue
		}
		fv := v.Field(i)
		ft := f.Type
		if ft.Kind() == reflect.Pointer && ft.Elem().Kind() == reflect.Struct && !columnValue(ft.Elem()) {
			if fv.IsNil() {
				continue
			}
			fv, ft = fv.Elem(), ft.Elem()
		}

		if ft.Kind() == reflect.Struct && !columnValue(ft) {
			if !f.Anonymous && !strings.Contains(opts, "squash") {
				return fmt.Errorf("field %s: nested struct %s is not a column", f.Name, ft)
			}
			if err := flatten(fv, out); err != nil {
				return err
			}
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = fv.Interface()
	}
	return nil
}

// timeLayouts are the text forms drivers return for timestamp columns
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// driverTimeHook turns the text and []byte timestamps of SQL drivers into time.Time
func driverTimeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	var s string
	switch x := data.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return data, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as a timestamp", s)
}

// FromRow decodes a row read from any engine into a new T. Driver representations are
// converted weakly (int64 into int, []byte into string, 0/1 into bool, text timestamps
// into time.Time).
func FromRow[T any](row map[string]any) (*T, error) {
	out := new(T)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          TagName,
		WeaklyTypedInput: true,
		Squash:           true,
		DecodeHook:       driverTimeHook,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(row); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", out, err)
	}
	return out, nil
}
