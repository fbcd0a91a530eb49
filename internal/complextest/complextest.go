// Package complextest provides the COMPLEX reference extension used across
// the test suites: a 16-byte complex-number type with textual form "(re,im)"
// and the scalar functions complex_add and complex_real.
package complextest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/villagesql/vef/extension/vefabi"
)

// Name is the extension name.
const Name = "complex"

// Version is the extension version.
const Version = "1.0.0"

// TypeName is the contributed type.
const TypeName = "COMPLEX"

// EncodedLen is the persisted size: two little-endian float64 values.
const EncodedLen = 16

// Encode parses "(re,im)" into the 16-byte persisted form.
func Encode(_, text []byte) ([]byte, error) {
	re, im, err := parse(string(text))
	if err != nil {
		return nil, err
	}
	out := make([]byte, EncodedLen)
	binary.LittleEndian.PutUint64(out[:8], math.Float64bits(re))
	binary.LittleEndian.PutUint64(out[8:], math.Float64bits(im))
	return out, nil
}

// Decode renders the persisted form back as "(re,im)".
func Decode(_, data, buf []byte) ([]byte, error) {
	re, im, err := split(data)
	if err != nil {
		return nil, err
	}
	s := fmt.Sprintf("(%s,%s)",
		strconv.FormatFloat(re, 'g', -1, 64),
		strconv.FormatFloat(im, 'g', -1, 64))
	if len(buf) >= len(s) {
		copy(buf, s)
		return buf[:len(s)], nil
	}
	return []byte(s), nil
}

// Compare orders by real part, then imaginary part, ascending.
func Compare(_, a, b []byte) int {
	ar, ai, _ := split(a)
	br, bi, _ := split(b)
	switch {
	case ar < br:
		return -1
	case ar > br:
		return 1
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	}
	return 0
}

// Hash canonicalises -0.0 to +0.0 before hashing, so values Compare treats
// as equal land in the same bucket even though their encodings differ.
func Hash(_, data []byte) uint64 {
	re, im, _ := split(data)
	if re == 0 {
		re = 0 // folds -0.0
	}
	if im == 0 {
		im = 0
	}
	h := uint64(14695981039346656037)
	for _, v := range []uint64{math.Float64bits(re), math.Float64bits(im)} {
		for i := 0; i < 8; i++ {
			h ^= (v >> (8 * i)) & 0xff
			h *= 1099511628211
		}
	}
	return h
}

func parse(s string) (re, im float64, err error) {
	s = strings.TrimSpace(s)
	if len(s) < 5 || s[0] != '(' || s[len(s)-1] != ')' {
		return 0, 0, errors.New("complex literal must look like (re,im)")
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return 0, 0, errors.New("complex literal must have two components")
	}
	if re, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, err
	}
	if im, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, err
	}
	return re, im, nil
}

func split(data []byte) (re, im float64, err error) {
	if len(data) != EncodedLen {
		return 0, 0, fmt.Errorf("complex value must be %d bytes, got %d", EncodedLen, len(data))
	}
	re = math.Float64frombits(binary.LittleEndian.Uint64(data[:8]))
	im = math.Float64frombits(binary.LittleEndian.Uint64(data[8:]))
	return re, im, nil
}

// Registration builds the full registration table. Tests mutate copies of
// it to exercise validation failures.
func Registration() *vefabi.Registration {
	return &vefabi.Registration{
		Protocol: vefabi.Protocol,
		Name:     Name,
		Version:  Version,
		Types: []vefabi.TypeDescriptor{{
			Name:            TypeName,
			PersistedLength: EncodedLen,
			MaxDecodeLength: 64,
			Field:           vefabi.FieldFixedBinary,
			Encode:          Encode,
			Decode:          Decode,
			Compare:         Compare,
			Hash:            Hash,
		}},
		Functions: []vefabi.FuncDescriptor{
			{
				Name: "complex_add",
				Params: []vefabi.TypeRef{
					{Tag: vefabi.TagCustom, Custom: TypeName},
					{Tag: vefabi.TagCustom, Custom: TypeName},
				},
				Return: vefabi.TypeRef{Tag: vefabi.TagCustom, Custom: TypeName},
				VDF:    complexAdd,
			},
			{
				Name:   "complex_real",
				Params: []vefabi.TypeRef{{Tag: vefabi.TagCustom, Custom: TypeName}},
				Return: vefabi.TypeRef{Tag: vefabi.TagReal},
				VDF:    complexReal,
			},
		},
	}
}

func complexAdd(_ *vefabi.PrivateState, args []vefabi.Value, res *vefabi.Result) {
	if args[0].Null || args[1].Null {
		res.SetNull()
		return
	}
	ar, ai, err := split(args[0].Bytes)
	if err != nil {
		res.SetError(err.Error())
		return
	}
	br, bi, err := split(args[1].Bytes)
	if err != nil {
		res.SetError(err.Error())
		return
	}
	out := make([]byte, EncodedLen)
	binary.LittleEndian.PutUint64(out[:8], math.Float64bits(ar+br))
	binary.LittleEndian.PutUint64(out[8:], math.Float64bits(ai+bi))
	res.SetBytes(out)
}

func complexReal(_ *vefabi.PrivateState, args []vefabi.Value, res *vefabi.Result) {
	if args[0].Null {
		res.SetNull()
		return
	}
	re, _, err := split(args[0].Bytes)
	if err != nil {
		res.SetError(err.Error())
		return
	}
	res.SetReal(re)
}
