package engine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// A region is the contract's description of a buffer in its linear memory:
// three little endian u32 {offset, capacity, length}.
const regionSize = 12

type region struct {
	offset   uint32
	capacity uint32
	length   uint32
}

func readRegion(mem api.Memory, ptr uint32) (region, error) {
	if ptr == 0 {
		return region{}, fmt.Errorf("%w: null region pointer", interfaces.ErrExecution)
	}
	raw, ok := mem.Read(ptr, regionSize)
	if !ok {
		return region{}, fmt.Errorf("%w: region pointer %#x out of bounds", interfaces.ErrExecution, ptr)
	}
	r := region{
		offset:   binary.LittleEndian.Uint32(raw[0:4]),
		capacity: binary.LittleEndian.Uint32(raw[4:8]),
		length:   binary.LittleEndian.Uint32(raw[8:12]),
	}
	if r.length > r.capacity {
		return region{}, fmt.Errorf("%w: region length %d exceeds capacity %d", interfaces.ErrExecution, r.length, r.capacity)
	}
	if uint64(r.offset)+uint64(r.capacity) > uint64(mem.Size()) {
		return region{}, fmt.Errorf("%w: region %#x+%d out of bounds", interfaces.ErrExecution, r.offset, r.capacity)
	}
	return r, nil
}

// readRegionData copies the contents of the region at ptr.
func readRegionData(mem api.Memory, ptr uint32, maxLen uint32) ([]byte, error) {
	r, err := readRegion(mem, ptr)
	if err != nil {
		return nil, err
	}
	if r.length > maxLen {
		return nil, fmt.Errorf("%w: region of %d bytes exceeds limit of %d", interfaces.ErrExecution, r.length, maxLen)
	}
	data, ok := mem.Read(r.offset, r.length)
	if !ok {
		return nil, fmt.Errorf("%w: region data out of bounds", interfaces.ErrExecution)
	}
	return append([]byte{}, data...), nil
}

// writeRegionData fills the existing region at ptr with data.
func writeRegionData(mem api.Memory, ptr uint32, data []byte) error {
	r, err := readRegion(mem, ptr)
	if err != nil {
		return err
	}
	if uint32(len(data)) > r.capacity {
		return fmt.Errorf("%w: %d bytes do not fit a region of capacity %d", interfaces.ErrExecution, len(data), r.capacity)
	}
	if !mem.Write(r.offset, data) || !mem.WriteUint32Le(ptr+8, uint32(len(data))) {
		return fmt.Errorf("%w: region write out of bounds", interfaces.ErrExecution)
	}
	return nil
}

// writeToContract asks the contract to allocate a region for data, copies
// data into it and returns the region pointer.
func writeToContract(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocate := mod.ExportedFunction(exportAllocate)
	if allocate == nil {
		return 0, fmt.Errorf("%w: contract does not export %s", interfaces.ErrUnsupportedModule, exportAllocate)
	}
	res, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if err := writeRegionData(mod.Memory(), ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}
