// Package cmd implements marshaling for the HCI commands issued by the host.
package cmd

import (
	"bytes"
	"encoding/binary"
)

// Command is an HCI command that can be marshaled into a transport frame.
type Command interface {
	OpCode() int
	Len() int
	Marshal([]byte) error
}

// CommandRP is the return parameter block of a command.
type CommandRP interface {
	Unmarshal(b []byte) error
}

func marshal(c interface{}, b []byte) error {
	buf := bytes.NewBuffer(b[:0])
	return binary.Write(buf, binary.LittleEndian, c)
}

func unmarshal(c interface{}, b []byte) error {
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, c)
}
