package rbvm

import (
	"encoding/hex"

	ublcid "ubl-gate/cid"
)

// rawBytesOfCID renders a CID's 32-byte BLAKE3 digest, the form the VM's
// stack and TLV immediates use for CID-typed values (as opposed to the
// "b3:<hex64>" textual form used on the wire).
func rawBytesOfCID(c ublcid.CID) []byte {
	hexPart := string(c)[len("b3:"):]
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != 32 {
		// c is always produced by cid.Of/cid.Parse in this package, both of
		// which guarantee a well-formed 64-hex-char digest.
		panic("rbvm: malformed CID passed to rawBytesOfCID")
	}
	return raw
}

// cidFromRawBytes is the inverse of rawBytesOfCID: it wraps a 32-byte
// digest (as found on the VM stack) back into the textual CID form,
// without re-hashing anything.
func cidFromRawBytes(raw []byte) ublcid.CID {
	return ublcid.CID("b3:" + hex.EncodeToString(raw))
}
