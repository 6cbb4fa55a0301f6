package domain

// OperationType enumerates the LDAP request kinds
type OperationType int

const (
	OperationAbandon OperationType = iota
	OperationAdd
	OperationBind
	OperationCompare
	OperationDelete
	OperationExtended
	OperationModify
	OperationModifyDN
	OperationSearch
	OperationUnbind
)

// String returns the string representation of OperationType
func (t OperationType) String() string {
	switch t {
	case OperationAbandon:
		return "abandon"
	case OperationAdd:
		return "add"
	case OperationBind:
		return "bind"
	case OperationCompare:
		return "compare"
	case OperationDelete:
		return "delete"
	case OperationExtended:
		return "extended"
	case OperationModify:
		return "modify"
	case OperationModifyDN:
		return "modify_dn"
	case OperationSearch:
		return "search"
	case OperationUnbind:
		return "unbind"
	default:
		return "unknown"
	}
}

// IsWrite reports whether the operation changes directory content.
func (t OperationType) IsWrite() bool {
	switch t {
	case OperationAdd, OperationDelete, OperationModify, OperationModifyDN:
		return true
	default:
		return false
	}
}
