package sqlite

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	sqlite "modernc.org/sqlite"
)

var regexpCache sync.Map // pattern -> *regexp.Regexp

// The engine rewrites "str REGEXP pattern" to regexp(pattern, str).
func regexpFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	pattern := udfString(args[0])
	str := udfString(args[1])
	cached, ok := regexpCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		cached, _ = regexpCache.LoadOrStore(pattern, re)
	}
	if cached.(*regexp.Regexp).MatchString(str) {
		return int64(1), nil
	}
	return int64(0), nil
}

// json_array_contains(array_text, value_text) reports whether the JSON
// array contains the JSON value.
func jsonArrayContainsFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	var list []any
	if err := json.Unmarshal([]byte(udfString(args[0])), &list); err != nil {
		return int64(0), nil
	}
	var needle any
	if err := json.Unmarshal([]byte(udfString(args[1])), &needle); err != nil {
		return int64(0), nil
	}
	for _, item := range list {
		if reflect.DeepEqual(item, needle) {
			return int64(1), nil
		}
	}
	return int64(0), nil
}

func udfString(v driver.Value) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprintf("%v", v)
}

func init() {
	sqlite.MustRegisterDeterministicScalarFunction("regexp", 2, regexpFunc)
	sqlite.MustRegisterDeterministicScalarFunction("json_array_contains", 2, jsonArrayContainsFunc)
}
