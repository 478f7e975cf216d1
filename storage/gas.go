package storage

// GasConfig is the gas schedule a host store charges for key-value access.
// The defaults follow the usual Cosmos SDK KV schedule.
type GasConfig struct {
	ReadCostFlat     uint64 `json:"read_cost_flat"`
	ReadCostPerByte  uint64 `json:"read_cost_per_byte"`
	WriteCostFlat    uint64 `json:"write_cost_flat"`
	WriteCostPerByte uint64 `json:"write_cost_per_byte"`
	DeleteCost       uint64 `json:"delete_cost"`
}

func DefaultGasConfig() GasConfig {
	return GasConfig{
		ReadCostFlat:     1000,
		ReadCostPerByte:  3,
		WriteCostFlat:    2000,
		WriteCostPerByte: 30,
		DeleteCost:       1000,
	}
}

// ReadCost charges for the key and, when present, the value read.
func (g GasConfig) ReadCost(key, value []byte) uint64 {
	return g.ReadCostFlat + g.ReadCostPerByte*uint64(len(key)+len(value))
}

func (g GasConfig) WriteCost(key, value []byte) uint64 {
	return g.WriteCostFlat + g.WriteCostPerByte*uint64(len(key)+len(value))
}

func (g GasConfig) RemoveCost() uint64 {
	return g.DeleteCost
}
