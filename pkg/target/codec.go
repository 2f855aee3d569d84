package target

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kcide/kcdap/pkg/regs"
)

// Commands sent to the target. Every message is a JSON object whose "cmd"
// field holds one of these names.
const (
	cmdBoot              = "boot"
	cmdReset             = "reset"
	cmdLoadKCC           = "loadkcc"
	cmdLoadPRG           = "loadprg"
	cmdConnect           = "connect"
	cmdDisconnect        = "disconnect"
	cmdUpdateBreakpoints = "updateBreakpoints"
	cmdPause             = "pause"
	cmdContinue          = "continue"
	cmdStep              = "step"
	cmdStepIn            = "stepIn"
	cmdReady             = "ready"
	cmdCPUState          = "cpuState"
	cmdDisassemble       = "disassemble"
	cmdReadMemory        = "readMemory"
)

// Notifications and replies received from the target, identified by their
// "command" field.
const (
	msgStopped     = "emu_stopped"
	msgContinued   = "emu_continued"
	msgRebooted    = "emu_rebooted"
	msgReset       = "emu_reset"
	msgCPUState    = "emu_cpustate"
	msgDisassembly = "emu_disassembly"
	msgMemory      = "emu_memory"
	msgReady       = "emu_ready"
)

// encode builds a command message. kv is a list of alternating field
// paths and values.
func encode(cmd string, kv ...interface{}) ([]byte, error) {
	if len(kv)%2 != 0 {
		return nil, fmt.Errorf("odd number of fields for %q", cmd)
	}
	msg, err := sjson.SetBytes([]byte(`{}`), "cmd", cmd)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(kv); i += 2 {
		path, ok := kv[i].(string)
		if !ok {
			return nil, fmt.Errorf("invalid field name %v for %q", kv[i], cmd)
		}
		msg, err = sjson.SetBytes(msg, path, kv[i+1])
		if err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// stampRequestID adds the request id to an encoded query.
func stampRequestID(msg []byte, id int) ([]byte, error) {
	return sjson.SetBytes(msg, "reqId", id)
}

// header returns the message tag and the request id of an inbound
// message, id is zero if the message does not carry one.
func header(raw []byte) (tag string, id int, err error) {
	if !gjson.ValidBytes(raw) {
		return "", 0, fmt.Errorf("malformed message %q", raw)
	}
	res := gjson.GetManyBytes(raw, "command", "reqId")
	if res[0].Type != gjson.String {
		return "", 0, fmt.Errorf("message without command tag %q", raw)
	}
	return res[0].String(), int(res[1].Int()), nil
}

func decodeStopped(raw []byte) (reason int, addr uint16) {
	res := gjson.GetManyBytes(raw, "stopReason", "addr")
	return int(res[0].Int()), uint16(res[1].Uint())
}

func decodeReady(raw []byte) (ready bool, version string) {
	res := gjson.GetManyBytes(raw, "isReady", "version")
	return res[0].Bool(), res[1].String()
}

func decodeCPUState(raw []byte) regs.State {
	state := gjson.GetBytes(raw, "state")
	if !state.IsObject() {
		return regs.Unknown{}
	}
	return regs.Decode([]byte(state.Raw))
}

// DisasmLine is a disassembled instruction.
type DisasmLine struct {
	Addr  uint16
	Bytes []byte
	Text  string
}

func decodeDisassembly(raw []byte) ([]DisasmLine, error) {
	result := gjson.GetBytes(raw, "result")
	if !result.IsArray() {
		return nil, fmt.Errorf("disassembly reply without result")
	}
	var lines []DisasmLine
	for _, item := range result.Array() {
		line := DisasmLine{
			Addr: uint16(item.Get("addr").Uint()),
			Text: item.Get("chars").String(),
		}
		for _, b := range item.Get("bytes").Array() {
			line.Bytes = append(line.Bytes, byte(b.Uint()))
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Memory is a block of target memory, Data is base64 encoded.
type Memory struct {
	Addr uint16
	Data string
}

// Bytes returns the decoded contents of m.
func (m Memory) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}

func decodeMemory(raw []byte) (Memory, error) {
	res := gjson.GetManyBytes(raw, "addr", "base64")
	if res[1].Type != gjson.String {
		return Memory{}, fmt.Errorf("memory reply without data")
	}
	m := Memory{Addr: uint16(res[0].Uint()), Data: res[1].String()}
	if _, err := m.Bytes(); err != nil {
		return Memory{}, fmt.Errorf("memory reply: %v", err)
	}
	return m, nil
}
