package unit

import (
	"github.com/shopspring/decimal"
)

var bytesPerMegabyte = decimal.NewFromInt(1024 * 1024)

type call struct{}

func (call) Name() string { return "call" }

func (call) Count(fn CountFunc, _ CountInfo) (decimal.Decimal, error) {
	if fn != CountFuncCount {
		return decimal.Zero, ErrCountFuncUnsupported
	}
	return decimal.NewFromInt(1), nil
}

func (call) Specification() Specification {
	return specification("call", "Spec for API call usage")
}

type megabyte struct{}

func (megabyte) Name() string { return "megabyte" }

// Count measures the UTF-8 byte length of the body.
func (megabyte) Count(fn CountFunc, info CountInfo) (decimal.Decimal, error) {
	if fn != CountFuncCount {
		return decimal.Zero, ErrCountFuncUnsupported
	}
	return decimal.NewFromInt(int64(len(info.Body))).Div(bytesPerMegabyte), nil
}

func (megabyte) Specification() Specification {
	return specification("megabyte", "Spec for the amount of data transferred")
}

type millisecond struct{}

func (millisecond) Name() string { return "millisecond" }

// Count bills request latency; subscriptionCount bills the subscription lifetime.
func (millisecond) Count(fn CountFunc, info CountInfo) (decimal.Decimal, error) {
	switch fn {
	case CountFuncCount:
		return decimal.NewFromInt(info.ElapsedTime.Milliseconds()), nil
	case CountFuncSubscription:
		return decimal.NewFromInt(info.Duration.Milliseconds()), nil
	default:
		return decimal.Zero, ErrCountFuncUnsupported
	}
}

func (millisecond) Specification() Specification {
	return specification("millisecond", "Spec for time usage")
}

// Builtin returns every unit this build knows how to count.
func Builtin() []Unit {
	return []Unit{call{}, megabyte{}, millisecond{}}
}
