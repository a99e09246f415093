package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind indicates that a kind name does not match any entity kind.
var ErrUnknownKind = errors.New("catalog: unknown kind")

// Kind enumerates the entity kinds handled by the engine.
type Kind int

const (
	// KindTea identifies tea instances.
	KindTea Kind = iota + 1
	// KindSession identifies brewing sessions.
	KindSession
	// KindCategory identifies read-only tea categories.
	KindCategory
	// KindSubcategory identifies subcategories, including ad hoc ones typed by the user.
	KindSubcategory
	// KindVendor identifies vendors, including ad hoc ones typed by the user.
	KindVendor
)

// Kinds lists every kind in sync order.
var Kinds = []Kind{KindTea, KindSession, KindCategory, KindSubcategory, KindVendor}

// ParseKind resolves the singular kind name used in store keys and local routes.
func ParseKind(rawInput string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "tea", "teas":
		return KindTea, nil
	case "session", "sessions", "brewing_session":
		return KindSession, nil
	case "category", "categories":
		return KindCategory, nil
	case "subcategory", "subcategories":
		return KindSubcategory, nil
	case "vendor", "vendors":
		return KindVendor, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// String returns the singular kind name.
func (k Kind) String() string {
	switch k {
	case KindTea:
		return "tea"
	case KindSession:
		return "session"
	case KindCategory:
		return "category"
	case KindSubcategory:
		return "subcategory"
	case KindVendor:
		return "vendor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindTea && k <= KindVendor
}

// Endpoint returns the REST collection path.
func (k Kind) Endpoint() string {
	switch k {
	case KindTea:
		return "/tea/"
	case KindSession:
		return "/brewing_session/"
	case KindCategory:
		return "/category/"
	case KindSubcategory:
		return "/subcategory/"
	case KindVendor:
		return "/vendor/"
	default:
		return ""
	}
}

// InstancePath returns the REST path of a single server record.
func (k Kind) InstancePath(id ID) string {
	return k.Endpoint() + id.String() + "/"
}

// QueueKey returns the local store key holding queued offline creations.
func (k Kind) QueueKey() string {
	return "offline-" + k.String()
}

// SnapshotKey returns the plural local store key mirroring the server list.
func (k Kind) SnapshotKey() string {
	switch k {
	case KindTea:
		return "teas"
	case KindSession:
		return "sessions"
	case KindCategory:
		return "categories"
	case KindSubcategory:
		return "subcategories"
	case KindVendor:
		return "vendors"
	default:
		return ""
	}
}

// SupportsOffline reports whether records of this kind may be created offline.
func (k Kind) SupportsOffline() bool {
	switch k {
	case KindTea, KindSession, KindSubcategory, KindVendor:
		return true
	default:
		return false
	}
}
