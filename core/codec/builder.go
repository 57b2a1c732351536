package codec

import "fmt"

// Compile-time checks that every fixed layout fits a radio frame.
var (
	_ [MaxFrameSize - AnnounceSize]byte
	_ [MaxFrameSize - AckSize]byte
	_ [MaxFrameSize - ConfigSize]byte
	_ [MaxFrameSize - CommandMaxSize]byte
	_ [MaxFrameSize - StatusSize]byte
	_ [MaxFrameSize - HeartbeatSize]byte
	_ [MaxFrameSize - UnmapSize]byte
)

// NewConfig builds a Config message, validating the construction-time
// contracts: the name must fit the fixed on-wire field and the blob must
// fit the fixed config area.
func NewConfig(h Header, deviceName string, configData []byte) (*Config, error) {
	if len(deviceName) > NameSize {
		return nil, fmt.Errorf("%w: %q is %d bytes, max %d", ErrNameTooLong, deviceName, len(deviceName), NameSize)
	}
	if len(configData) > ConfigDataSize {
		return nil, fmt.Errorf("%w: config data %d bytes, max %d", ErrPayloadTooLong, len(configData), ConfigDataSize)
	}
	h.Type = TypeConfig
	m := &Config{Header: h, DeviceName: deviceName}
	copy(m.ConfigData[:], configData)
	return m, nil
}

// NewCommandFragment builds one Command fragment. The chunk must not exceed
// FragmentSize.
func NewCommandFragment(h Header, commandID, fragmentSeq uint8, final bool, chunk []byte) (*Command, error) {
	if len(chunk) > FragmentSize {
		return nil, fmt.Errorf("%w: chunk %d bytes, max %d", ErrChunkTooLong, len(chunk), FragmentSize)
	}
	h.Type = TypeCommand
	m := &Command{Header: h, CommandID: commandID, FragmentSeq: fragmentSeq, Final: final}
	if len(chunk) > 0 {
		m.Chunk = make([]byte, len(chunk))
		copy(m.Chunk, chunk)
	}
	return m, nil
}

// NewStatus builds a Status message carrying up to StatusDataSize bytes.
func NewStatus(h Header, commandID, statusCode uint8, data []byte) (*Status, error) {
	if len(data) > StatusDataSize {
		return nil, fmt.Errorf("%w: status data %d bytes, max %d", ErrPayloadTooLong, len(data), StatusDataSize)
	}
	h.Type = TypeStatus
	m := &Status{Header: h, CommandID: commandID, StatusCode: statusCode}
	copy(m.Data[:], data)
	return m, nil
}
