package app

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/magstim-server/internal/audit"
	cfgpkg "github.com/taoyao-code/magstim-server/internal/config"
	"github.com/taoyao-code/magstim-server/internal/device"
	"github.com/taoyao-code/magstim-server/internal/logging"
	"github.com/taoyao-code/magstim-server/internal/serialport"
	"github.com/taoyao-code/magstim-server/internal/simulator"
)

const simScheme = "sim://"

// NewOpener 返回设备串口打开函数：sim://<model> 使用内置模拟器，否则打开物理串口
func NewOpener(readTimeout time.Duration, unlockCode string, logger *zap.Logger) device.Opener {
	return func(address string) (serialport.Port, error) {
		if model, ok := strings.CutPrefix(address, simScheme); ok {
			simCfg := simulator.DefaultConfig(simulator.Model(model))
			switch simCfg.Model {
			case simulator.ModelRapid, simulator.ModelMagstim, simulator.ModelBistim:
			default:
				return nil, fmt.Errorf("unknown simulator model %q", model)
			}
			simCfg.UnlockCode = unlockCode
			logger.Warn("using built-in device simulator, no stimulation will occur",
				zap.String("model", string(simCfg.Model)))
			return simulator.New(simCfg), nil
		}
		return serialport.Open(address, readTimeout)
	}
}

// NewDevice 按配置创建设备；Rapid 需要能量/频率表
func NewDevice(cfg cfgpkg.DeviceConfig, observer device.Observer, recorder audit.Recorder, logger *zap.Logger) (*device.Device, error) {
	kind, err := device.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	logger = logging.ForDevice(logger, cfg)

	dcfg := device.DefaultConfig()
	dcfg.Port = cfg.Port
	dcfg.Kind = kind
	dcfg.UnlockCode = cfg.UnlockCode
	dcfg.Voltage = cfg.Voltage
	dcfg.SuperRapid = cfg.SuperRapid
	dcfg.EnforceEnergySafety = cfg.EnforceEnergySafety
	dcfg.ReadTimeout = cfg.ReadTimeout
	dcfg.FastPoke = cfg.FastPoke
	dcfg.SlowPoke = cfg.SlowPoke
	dcfg.ArmDelay = cfg.ArmDelay

	opts := []device.Option{
		device.WithLogger(logger),
		device.WithObserver(observer),
		device.WithRecorder(recorder),
	}
	if cfg.SystemInfoPath != "" {
		info, err := device.LoadSystemInfo(cfg.SystemInfoPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithSystemInfo(info))
		logger.Info("system info loaded", zap.String("path", cfg.SystemInfoPath), zap.Int("joules_entries", len(info.Joules)))
	} else if kind == device.KindRapid {
		logger.Warn("no system info configured, rapid frequency and energy checks will fail")
	}

	opener := NewOpener(dcfg.ReadTimeout, dcfg.UnlockCode, logger)
	return device.New(dcfg, opener, opts...), nil
}
