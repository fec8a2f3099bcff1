package codec

import "github.com/monsoondb/monsoon/pkg/monerrors"

// errShortBlock and errBadMagic are codec-local aliases of the shared
// decode sentinel so every Decode* error still satisfies
// errors.Is(err, monerrors.ErrDecode) for callers.
var (
	errShortBlock = monerrors.ErrDecode
	errBadMagic   = monerrors.ErrDecode
)
