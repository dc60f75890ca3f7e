// Package password hashes and verifies user passwords with Argon2id.
//
// Hashes are encoded as a single self-describing string that embeds the
// algorithm tag, cost parameters, salt, and digest. Verification always uses
// the parameters embedded in the stored hash, so cost defaults can be raised
// over time without invalidating existing records.
//
// Security notes:
//   - Stored hash strings are treated as untrusted input during Verify and
//     are validated strictly before any key derivation runs.
//   - Verification refuses hashes whose embedded parameters exceed reasonable
//     bounds, so a hostile record cannot trigger pathological resource usage.
package password
