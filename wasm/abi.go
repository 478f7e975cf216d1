package wasm

import (
	"sort"
	"strings"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// Marker exports that identify the contract interface of a module.
const (
	ExportMarkerV010 = "cosmwasm_vm_version_3"
	ExportMarkerV1   = "interface_version_8"

	featurePrefix = "requires_"
)

// DetectABI returns the interface version a module was built against and the
// features it requires, declared as requires_<feature> exports.
func DetectABI(m *Module) (interfaces.ABIVersion, []string, error) {
	var features []string
	abi := interfaces.ABIUnknown
	for _, e := range m.ExportSection {
		switch {
		case e.Name == ExportMarkerV010:
			if abi == interfaces.ABIV1 {
				return interfaces.ABIUnknown, nil, unsupported("module exports both interface markers")
			}
			abi = interfaces.ABIV010
		case e.Name == ExportMarkerV1:
			if abi == interfaces.ABIV010 {
				return interfaces.ABIUnknown, nil, unsupported("module exports both interface markers")
			}
			abi = interfaces.ABIV1
		case strings.HasPrefix(e.Name, featurePrefix) && len(e.Name) > len(featurePrefix):
			features = append(features, strings.TrimPrefix(e.Name, featurePrefix))
		}
	}
	if abi == interfaces.ABIUnknown {
		return abi, nil, unsupported("no interface version marker exported")
	}
	sort.Strings(features)
	return abi, features, nil
}
