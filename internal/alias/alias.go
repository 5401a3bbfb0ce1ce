// Package alias implements the deterministic mapping from
// (client_id, pem) to a stable external correlator:
// alias(client_id, pem) = base64_standard(blake3(concat(client_id_decimal, ';', pem))).
//
// The function is pure: it depends only on its inputs and never touches
// the network or any server-assigned state, so a producer can compute it
// before any round trip with the CA.
package alias

import (
	"encoding/base64"
	"strconv"

	"lukechampine.com/blake3"
)

// Of computes the external alias for a submission.
func Of(clientID uint64, pem string) string {
	buf := make([]byte, 0, 20+1+len(pem))
	buf = strconv.AppendUint(buf, clientID, 10)
	buf = append(buf, ';')
	buf = append(buf, pem...)

	sum := blake3.Sum256(buf)
	return base64.StdEncoding.EncodeToString(sum[:])
}
