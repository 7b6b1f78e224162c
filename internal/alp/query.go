package alp

import "fmt"

// Comparison is the arithmetic comparison type of a query.
type Comparison uint8

// Comparison types
const (
	CompInequality     Comparison = 0
	CompEquality       Comparison = 1
	CompLessThan       Comparison = 2
	CompLessOrEqual    Comparison = 3
	CompGreaterThan    Comparison = 4
	CompGreaterOrEqual Comparison = 5
)

func (c Comparison) String() string {
	switch c {
	case CompInequality:
		return "!="
	case CompEquality:
		return "=="
	case CompLessThan:
		return "<"
	case CompLessOrEqual:
		return "<="
	case CompGreaterThan:
		return ">"
	case CompGreaterOrEqual:
		return ">="
	default:
		return fmt.Sprintf("comp(%d)", uint8(c))
	}
}

// Query code layout:
//
//	b7..5  query type (010 = arithmetic comparison with value)
//	b4     mask present
//	b3     signed
//	b2..0  comparison type
const (
	queryTypeMask       = 0xE0
	queryArithWithValue = 0x40
	queryMaskPresent    = 0x10
	querySigned         = 0x08
	queryComparisonMask = 0x07
)

// QueryCode is the first byte of a query operand.
type QueryCode uint8

// NewArithmeticQuery builds the code of an arithmetic comparison against a
// literal value.
func NewArithmeticQuery(comp Comparison, signed bool) QueryCode {
	q := QueryCode(queryArithWithValue) | QueryCode(comp&queryComparisonMask)
	if signed {
		q |= querySigned
	}
	return q
}

// Supported reports whether q is an arithmetic comparison against a
// literal without mask, the only encoding implemented.
func (q QueryCode) Supported() bool {
	return q&queryTypeMask == queryArithWithValue && q&queryMaskPresent == 0
}

// Signed reports whether the comparison is signed.
func (q QueryCode) Signed() bool { return q&querySigned != 0 }

// Comparison returns the comparison type.
func (q QueryCode) Comparison() Comparison { return Comparison(q & queryComparisonMask) }

// EvalArithmetic evaluates fileValue <comp> literal. Both values are
// compared byte by byte from the most significant byte; when signed, the
// first byte carries the sign. Values of different length never match.
func EvalArithmetic(fileValue, literal []byte, comp Comparison, signed bool) bool {
	if len(fileValue) != len(literal) {
		return false
	}
	c := compareValues(fileValue, literal, signed)
	if c == 0 {
		return comp == CompEquality || comp == CompGreaterOrEqual || comp == CompLessOrEqual
	}
	switch comp {
	case CompInequality:
		return true
	case CompGreaterThan, CompGreaterOrEqual:
		return c > 0
	case CompLessThan, CompLessOrEqual:
		return c < 0
	default:
		return false
	}
}

func compareValues(a, b []byte, signed bool) int {
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if i == 0 && signed {
			if int8(a[0]) < int8(b[0]) {
				return -1
			}
			return 1
		}
		if a[i] < b[i] {
			return -1
		}
		return 1
	}
	return 0
}
