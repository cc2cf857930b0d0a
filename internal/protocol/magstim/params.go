package magstim

import "math"

const precisionEpsilon = 1e-9

// Integral 校验整数参数，带小数部分返回 ParameterFloatError
func Integral(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrParameterRange
	}
	r := math.Round(v)
	if math.Abs(v-r) > precisionEpsilon {
		return 0, ErrParameterFloat
	}
	return int(r), nil
}

// Tenths 转换为 0.1 单位的整数，超过一位小数返回 ParameterPrecisionError
func Tenths(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrParameterRange
	}
	scaled := v * 10
	r := math.Round(scaled)
	if math.Abs(scaled-r) > 1e-6 {
		return 0, ErrParameterPrecision
	}
	return int(r), nil
}
