package errors

// Kind is the category of an installer failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindSizeMismatch
	KindChecksumMismatch
	KindSignature
	KindCorruptArchive
	KindUnsafePath
	KindPermission
	KindDiskSpace
	KindCancelled
	KindInvalidRequest
)

// Family groups kinds the way a user interface presents them.
type Family string

const (
	FamilyNone        Family = ""
	FamilyNetwork     Family = "network"
	FamilyIntegrity   Family = "integrity"
	FamilyEnvironment Family = "environment"
	FamilySecurity    Family = "security"
	FamilyCancelled   Family = "cancelled"
	FamilyRequest     Family = "request"
	FamilyInternal    Family = "internal"
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindSignature:
		return "signature"
	case KindCorruptArchive:
		return "corrupt_archive"
	case KindUnsafePath:
		return "unsafe_path"
	case KindPermission:
		return "permission"
	case KindDiskSpace:
		return "disk_space"
	case KindCancelled:
		return "cancelled"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. Unrecognised names map to KindUnknown.
func ParseKind(s string) Kind {
	for k := KindNetwork; k <= KindInvalidRequest; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) Family() Family {
	switch k {
	case KindNetwork:
		return FamilyNetwork
	case KindSizeMismatch, KindChecksumMismatch, KindSignature, KindCorruptArchive:
		return FamilyIntegrity
	case KindPermission, KindDiskSpace:
		return FamilyEnvironment
	case KindUnsafePath:
		return FamilySecurity
	case KindCancelled:
		return FamilyCancelled
	case KindInvalidRequest:
		return FamilyRequest
	default:
		return FamilyInternal
	}
}

// ForcesRefetch is true for integrity failures: the archive on disk cannot be
// trusted and is fetched again from zero, a bounded number of times.
func (k Kind) ForcesRefetch() bool {
	return k.Family() == FamilyIntegrity
}
