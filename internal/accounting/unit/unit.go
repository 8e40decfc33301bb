// Package unit holds the accounting units a usage amount can be measured in.
package unit

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CountFunc names a counting capability of a unit.
type CountFunc string

const (
	CountFuncCount        CountFunc = "count"
	CountFuncSubscription CountFunc = "subscriptionCount"
)

var ErrCountFuncUnsupported = errors.New("count_function_unsupported")

// CountInfo is what a unit may measure. Body is the response (or
// notification) payload, ElapsedTime the request latency and Duration the
// subscription lifetime being billed.
type CountInfo struct {
	Body        []byte
	ElapsedTime time.Duration
	Duration    time.Duration
}

type Unit interface {
	Name() string
	Count(fn CountFunc, info CountInfo) (decimal.Decimal, error)
	Specification() Specification
}

type Specification struct {
	Name                    string           `json:"name"`
	Description             string           `json:"description"`
	UsageSpecCharacteristic []Characteristic `json:"usageSpecCharacteristic"`
}

type Characteristic struct {
	Name                         string                `json:"name"`
	Description                  string                `json:"description"`
	Configurable                 bool                  `json:"configurable"`
	UsageSpecCharacteristicValue []CharacteristicValue `json:"usageSpecCharacteristicValue"`
}

type CharacteristicValue struct {
	ValueType string `json:"valueType"`
	Default   bool   `json:"default"`
	Value     string `json:"value"`
	ValueFrom string `json:"valueFrom"`
	ValueTo   string `json:"valueTo"`
}

func specification(name, description string) Specification {
	return Specification{
		Name:        name,
		Description: description,
		UsageSpecCharacteristic: []Characteristic{
			characteristic("orderId", "Order identifier", "string"),
			characteristic("productId", "Product identifier", "string"),
			characteristic("correlationNumber", "Accounting correlation number", "number"),
			characteristic("unit", "Accounting unit", "string"),
			characteristic("value", "Accounting value", "number"),
		},
	}
}

func characteristic(name, description, valueType string) Characteristic {
	return Characteristic{
		Name:         name,
		Description:  description,
		Configurable: false,
		UsageSpecCharacteristicValue: []CharacteristicValue{
			{ValueType: valueType, Default: false},
		},
	}
}
