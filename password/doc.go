// Package password verifies stored password hashes for the credential step
// of login.
//
// New hashes are argon2id in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Legacy bcrypt hashes ($2a$, $2b$, $2y$) still verify; [Verifier.Verify]
// reports rehash=true for them and for argon2id hashes made with weaker
// parameters so the caller can upgrade on the next successful login.
//
// The package never stores passwords and never logs them.
package password
