package client

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Index 是服务端返回的修改索引（游标），任意精度无符号整数，线上以十进制字符串传输。
// 零值表示索引为 0（缺失）。Index 不可变，可安全共享。
type Index struct {
	v *big.Int
}

// ParseIndex 解析十进制字符串；空串视为 0。
func ParseIndex(s string) (Index, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Index{}, nil
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return Index{}, errors.Errorf("invalid index %q", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Index{}, errors.Errorf("invalid index %q", s)
	}
	return Index{v: v}, nil
}

// MustParseIndex 同 ParseIndex，失败时 panic（测试与常量用）。
func MustParseIndex(s string) Index {
	i, err := ParseIndex(s)
	if err != nil {
		panic(err)
	}
	return i
}

// IndexFrom 由 uint64 构造索引。
func IndexFrom(n uint64) Index {
	if n == 0 {
		return Index{}
	}
	return Index{v: new(big.Int).SetUint64(n)}
}

// IsZero 报告索引是否为 0。
func (i Index) IsZero() bool {
	return i.v == nil || i.v.Sign() == 0
}

// Cmp 比较两个索引：-1 / 0 / 1。
func (i Index) Cmp(o Index) int {
	return i.big().Cmp(o.big())
}

// Equal 报告两个索引是否相等。
func (i Index) Equal(o Index) bool {
	return i.Cmp(o) == 0
}

func (i Index) String() string {
	return i.big().String()
}

// MarshalText 以十进制字符串编码。
func (i Index) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText 解析十进制字符串。
func (i *Index) UnmarshalText(b []byte) error {
	v, err := ParseIndex(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

var zeroBig = new(big.Int)

func (i Index) big() *big.Int {
	if i.v == nil {
		return zeroBig
	}
	return i.v
}
