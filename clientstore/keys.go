package clientstore

import "fmt"

// Key prefixes give the OT and LWW stores disjoint key ranges within one
// shared badger handle, the Go analogue of spec §5's "disjoint object
// stores" requirement for a shared IndexedDBStore-style handle.
const (
	prefixOTDoc        = "ot/doc/"
	prefixOTSnapshot   = "ot/snapshot/"
	prefixOTCommitted  = "ot/committed/" // ot/committed/<docID>/<rev>
	prefixOTPending    = "ot/pending/"   // ot/pending/<docID>/<rev>
	prefixOTDeleted    = "ot/deleted/"
	prefixLWWDoc       = "lww/doc/"
	prefixLWWSnapshot  = "lww/snapshot/"
	prefixLWWCommitted = "lww/committed/" // lww/committed/<docID>/<path>
	prefixLWWPending   = "lww/pending/"   // lww/pending/<docID>/<path>
	prefixLWWSending   = "lww/sending/"
	prefixLWWDeleted   = "lww/deleted/"
)

func docKey(prefix, docID string) []byte {
	return []byte(prefix + docID)
}

func revKey(prefix, docID string, rev int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefix, docID, rev))
}

func pathKey(prefix, docID, path string) []byte {
	return []byte(prefix + docID + "/" + path)
}

func scanPrefix(prefix, docID string) []byte {
	return []byte(prefix + docID + "/")
}
