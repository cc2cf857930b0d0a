package device

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

// SystemInfo Rapid 能量与频率上限表
type SystemInfo struct {
	// Joules 功率(%) -> 单脉冲能量
	Joules map[int]float64 `yaml:"joules"`
	// MaxFrequency 电压 -> 机型(superRapid) -> 功率(%) -> 最大频率(Hz)
	MaxFrequency map[int]map[int]map[int]float64 `yaml:"maxFrequency"`
}

// LoadSystemInfo 从 YAML 文件读取
func LoadSystemInfo(path string) (*SystemInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read system info: %w", err)
	}
	var s SystemInfo
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshal system info: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate 至少需要能量表与一组频率上限
func (s *SystemInfo) Validate() error {
	if s == nil || len(s.Joules) == 0 {
		return fmt.Errorf("system info: joules table is empty")
	}
	if len(s.MaxFrequency) == 0 {
		return fmt.Errorf("system info: maxFrequency table is empty")
	}
	for p, j := range s.Joules {
		if j <= 0 {
			return fmt.Errorf("system info: joules[%d] must be positive", p)
		}
	}
	return nil
}

// JoulesAt 查询某功率下的单脉冲能量
func (s *SystemInfo) JoulesAt(power int) (float64, error) {
	if s == nil {
		return 0, magstim.NewError(magstim.KindParameterAcquisition, "", fmt.Errorf("system info not loaded"))
	}
	j, ok := s.Joules[power]
	if !ok {
		return 0, magstim.NewError(magstim.KindParameterAcquisition, "", fmt.Errorf("no joules entry for power %d", power))
	}
	return j, nil
}

// MaxFrequencyAt 查询电压/机型/功率对应的最大频率
func (s *SystemInfo) MaxFrequencyAt(voltage, mode, power int) (float64, error) {
	if s == nil {
		return 0, magstim.NewError(magstim.KindParameterAcquisition, "", fmt.Errorf("system info not loaded"))
	}
	f, ok := s.MaxFrequency[voltage][mode][power]
	if !ok {
		return 0, magstim.NewError(magstim.KindParameterAcquisition, "",
			fmt.Errorf("no maxFrequency entry for voltage %d mode %d power %d", voltage, mode, power))
	}
	return f, nil
}

// MinWaitTime 两串刺激之间的最小间隔（秒），不少于 0.5 s
func (s *SystemInfo) MinWaitTime(power, nPulses int, frequency float64) (float64, error) {
	j, err := s.JoulesAt(power)
	if err != nil {
		return 0, err
	}
	const floor = 0.5
	if frequency <= 0 {
		return floor, nil
	}
	calc := float64(nPulses) * (frequency*j - 1050.0) / (1050.0 * frequency)
	return math.Max(floor, calc), nil
}

// MaxOnTime 某功率与频率下允许的最长连续刺激时间（秒）
func (s *SystemInfo) MaxOnTime(power int, frequency float64) (float64, error) {
	j, err := s.JoulesAt(power)
	if err != nil {
		return 0, err
	}
	if frequency <= 0 {
		return math.Inf(1), nil
	}
	return 63000.0 / (frequency * j), nil
}

// MaxContinuousFrequency 可无限持续的最大频率（Hz）
func (s *SystemInfo) MaxContinuousFrequency(power int) (float64, error) {
	j, err := s.JoulesAt(power)
	if err != nil {
		return 0, err
	}
	return 1050.0 / j, nil
}
