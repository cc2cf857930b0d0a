package magstim

import "fmt"

// Command 一条待发送的协议命令
type Command struct {
	Code     string    // 命令字节（不含 CRC）
	Reply    ReplyKind // 回执解析类型
	ReplyLen int       // 回执总字节数（含回显与 CRC），version 类型为 0
}

// Op 命令首字节，用于回显校验与日志
func (c Command) Op() byte {
	if c.Code == "" {
		return 0
	}
	return c.Code[0]
}

// Label 命令前两个字节，作为指标/日志标签
func (c Command) Label() string {
	if len(c.Code) <= 2 {
		return c.Code
	}
	return c.Code[:2]
}

// 固定命令
var (
	CmdRemoteControlOff       = Command{Code: "R@", Reply: ReplyInstr, ReplyLen: 3}
	CmdGetMagstimParameters   = Command{Code: "J@", Reply: ReplyMagstimParam, ReplyLen: 12}
	CmdGetBistimParameters    = Command{Code: "J@", Reply: ReplyBistimParam, ReplyLen: 12}
	CmdGetTemperature         = Command{Code: "F@", Reply: ReplyMagstimTemp, ReplyLen: 9}
	CmdArm                    = Command{Code: "EB", Reply: ReplyInstr, ReplyLen: 3}
	CmdDisarm                 = Command{Code: "EA", Reply: ReplyInstr, ReplyLen: 3}
	CmdFire                   = Command{Code: "EH", Reply: ReplyInstr, ReplyLen: 3}
	CmdGetVersion             = Command{Code: "ND", Reply: ReplyVersion}
	CmdGetErrorCode           = Command{Code: "I@", Reply: ReplyError, ReplyLen: 6}
	CmdIgnoreCoilSafetySwitch = Command{Code: "b@", Reply: ReplyInstr, ReplyLen: 3}
	CmdEnhancedPowerOn        = Command{Code: "^@", Reply: ReplyInstrRapid, ReplyLen: 4}
	CmdEnhancedPowerOff       = Command{Code: "_@", Reply: ReplyInstrRapid, ReplyLen: 4}
	CmdGetSystemStatus        = Command{Code: "x@", Reply: ReplySystemRapid, ReplyLen: 6}
)

// RemoteControl 取得/释放远程控制；unlockCode 非空时以 "Q"+code 取得控制
func RemoteControl(enable bool, unlockCode string) Command {
	if !enable {
		return CmdRemoteControlOff
	}
	if unlockCode != "" {
		return Command{Code: "Q" + unlockCode, Reply: ReplyInstr, ReplyLen: 3}
	}
	return Command{Code: "Q@", Reply: ReplyInstr, ReplyLen: 3}
}

// Keepalive 保活命令：无解锁码时为 Q@，否则为 x@
func Keepalive(unlockCode string) Command {
	if unlockCode != "" {
		return CmdGetSystemStatus
	}
	return Command{Code: "Q@", Reply: ReplyInstr, ReplyLen: 3}
}

// GetRapidParameters Rapid 参数查询，回执长度由软件版本决定
func GetRapidParameters(v Version) Command {
	return Command{Code: `\@`, Reply: ReplyRapidParam, ReplyLen: v.RapidParamReplyLen()}
}

// SetPower 设置功率；commandByte 为 "@"（BiStim 通道 B 为 "A"）
func SetPower(commandByte string, power int) Command {
	return Command{Code: fmt.Sprintf("%s%03d", commandByte, power), Reply: ReplyInstr, ReplyLen: 3}
}

// EnhancedPower 开关增强功率模式
func EnhancedPower(enable bool) Command {
	if enable {
		return CmdEnhancedPowerOn
	}
	return CmdEnhancedPowerOff
}

// SetFrequency 频率，单位 0.1 Hz
func SetFrequency(tenthsHz int) Command {
	return Command{Code: fmt.Sprintf("B%04d", tenthsHz), Reply: ReplyInstrRapid, ReplyLen: 4}
}

// SetNPulses 脉冲数；v9 及以上 5 位，否则 4 位
func SetNPulses(n int, v Version) Command {
	if v.Major >= 9 {
		return Command{Code: fmt.Sprintf("D%05d", n), Reply: ReplyInstrRapid, ReplyLen: 4}
	}
	return Command{Code: fmt.Sprintf("D%04d", n), Reply: ReplyInstrRapid, ReplyLen: 4}
}

// SetDuration 持续时间，单位 0.1 s；v9 及以上 4 位，否则 3 位
func SetDuration(tenthsSec int, v Version) Command {
	if v.Major >= 9 {
		return Command{Code: fmt.Sprintf("[%04d", tenthsSec), Reply: ReplyInstrRapid, ReplyLen: 4}
	}
	return Command{Code: fmt.Sprintf("[%03d", tenthsSec), Reply: ReplyInstrRapid, ReplyLen: 4}
}

// RTMSMode 以持续时间 1/0 切换重复刺激模式
func RTMSMode(enable bool, v Version) Command {
	if enable {
		return SetDuration(10, v)
	}
	return SetDuration(0, v)
}

// SetChargeDelay 充电延迟（ms）；v10 及以上 5 位且回执为 systemRapid
func SetChargeDelay(ms int, v Version) Command {
	if v.Major >= 10 {
		return Command{Code: fmt.Sprintf("n%05d", ms), Reply: ReplySystemRapid, ReplyLen: 6}
	}
	return Command{Code: fmt.Sprintf("n%04d", ms), Reply: ReplyInstrRapid, ReplyLen: 4}
}

// GetChargeDelay 读取充电延迟
func GetChargeDelay(v Version) Command {
	if v.Major > 9 {
		return Command{Code: "o@", Reply: ReplyInstrCharge, ReplyLen: 8}
	}
	return Command{Code: "o@", Reply: ReplyInstrCharge, ReplyLen: 7}
}
