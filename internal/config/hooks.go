package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

var (
	decimalType  = reflect.TypeOf(decimal.Decimal{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// decodeHook converts raw config values into decimals and durations.
// Passing a custom hook replaces viper's defaults, so durations are handled here too.
func decodeHook() func(reflect.Type, reflect.Type, interface{}) (interface{}, error) {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		switch to {
		case decimalType:
			switch v := data.(type) {
			case string:
				d, err := decimal.NewFromString(v)
				if err != nil {
					return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
				}
				return d, nil
			case int:
				return decimal.NewFromInt(int64(v)), nil
			case int64:
				return decimal.NewFromInt(v), nil
			case float64:
				return decimal.NewFromFloat(v), nil
			}
		case durationType:
			if s, ok := data.(string); ok {
				return time.ParseDuration(s)
			}
		}
		return data, nil
	}
}
