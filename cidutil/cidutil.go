package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// VerifyRef decodes ref as a CID and checks that data hashes to it.
// It returns the decoded CID. ok is false when ref is not a CID at all.
func VerifyRef(ref string, data []byte) (id cid.Cid, matches bool, ok bool) {
	id, err := cid.Decode(ref)
	if err != nil || !id.Defined() {
		return cid.Undef, false, false
	}
	got, err := CIDv1RawSHA256CID(data)
	if err != nil {
		return id, false, true
	}
	return id, got.Equals(id), true
}
