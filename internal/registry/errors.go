package registry

import "errors"

// Rejections returned by CreateClaim and RevokeClaim.
// None of them leave a mutation behind.
var (
	ErrDigestTooLong       = errors.New("digest too long")
	ErrAlreadyClaimed      = errors.New("digest already claimed")
	ErrNotClaimed          = errors.New("digest not claimed")
	ErrNotOwner            = errors.New("caller does not own the claim")
	ErrInsufficientBalance = errors.New("insufficient balance for claim fee")

	// ErrEscrowInconsistency means a reservation made at create time could not
	// be released at revoke time. The registry and escrow disagree.
	ErrEscrowInconsistency = errors.New("escrow inconsistency")
)

// codes maps each rejection to the kind reported to callers.
var codes = []struct {
	err  error
	code string
}{
	{ErrDigestTooLong, "DigestTooLong"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrNotClaimed, "NotClaimed"},
	{ErrNotOwner, "NotOwner"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrEscrowInconsistency, "EscrowInconsistency"},
}

// Code returns the error kind of a registry rejection, or "" if err is not one.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return ""
}
