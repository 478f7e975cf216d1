package interfaces

// ABIVersion identifies the generation of the contract ABI a module was
// built against. It selects the export names, the host imports and the
// result schema of a call.
type ABIVersion int

const (
	ABIUnknown ABIVersion = iota
	// ABIV010 modules export cosmwasm_vm_version_3 and return ContractResult.
	ABIV010
	// ABIV1 modules export interface_version_8 and return Response with submessages.
	ABIV1
)

func (v ABIVersion) String() string {
	switch v {
	case ABIV010:
		return "v0.10"
	case ABIV1:
		return "v1"
	default:
		return "unknown"
	}
}
