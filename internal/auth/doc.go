// Package auth issues and verifies the operator tokens that guard the
// mutating HTTP endpoints.
//
// Tokens are HS256 JWTs signed with the configured secret and validated by
// signature alone. Two roles exist. A viewer may read the operator audit
// trail; an operator may also retry failed keys, force flushes and delete
// entities.
package auth
