package iu

import (
	"bytes"
	"encoding/gob"
)

func init() {
	// Metadata commonly carries these concrete types (ASR stability, VAP
	// probability, expression/action codes, backchannel intensity).
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(string(""))
	gob.Register(bool(false))
}

// Marshal serializes an IU for transport between Go processes, preserving
// every field bit-exactly on round-trip.
func Marshal(u IU) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(u); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte) (IU, error) {
	var u IU
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&u); err != nil {
		return IU{}, err
	}
	return u, nil
}
