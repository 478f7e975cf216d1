package engine

import (
	"github.com/ruteri/confidential-contract-engine/storage"
)

// HostGas prices the host functions that do not touch storage. Storage gas is
// reported by the host store itself.
type HostGas struct {
	AddrValidate     uint64 `json:"addr_validate"`
	AddrCanonicalize uint64 `json:"addr_canonicalize"`
	AddrHumanize     uint64 `json:"addr_humanize"`
	Debug            uint64 `json:"debug"`
}

type Config struct {
	// Slots bounds the number of calls executing at once. A call arriving
	// when every slot is held fails with ErrBusy.
	Slots int `json:"slots"`

	// BufferGas is the schedule the call-local write buffer charges for
	// buffered reads and for writes when the host store does not price them
	// itself through interfaces.GasMeter.
	BufferGas storage.GasConfig `json:"buffer_gas"`
	HostGas   HostGas           `json:"host_gas"`

	MaxKeySize    uint32 `json:"max_key_size"`
	MaxValueSize  uint32 `json:"max_value_size"`
	MaxResultSize uint32 `json:"max_result_size"`

	// ScratchSize is reserved up front and released when a call dies from
	// memory exhaustion so the failure can still be reported.
	ScratchSize int `json:"scratch_size"`
}

func DefaultConfig() Config {
	return Config{
		Slots:     8,
		BufferGas: storage.DefaultGasConfig(),
		HostGas: HostGas{
			AddrValidate:     1000,
			AddrCanonicalize: 1000,
			AddrHumanize:     1000,
			Debug:            100,
		},
		MaxKeySize:    64 * 1024,
		MaxValueSize:  128 * 1024,
		MaxResultSize: 8 * 1024 * 1024,
		ScratchSize:   1 << 20,
	}
}
