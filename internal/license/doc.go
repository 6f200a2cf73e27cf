// Package license implements the license entitlement and binding engine.
//
// # Components
//
//	- Manager: catalog administration, license issuance and lifecycle
//	- Store: persistence contract, implemented in internal/storage
//	- Binder: first-use hardware binding with a store compare-and-set
//	- Validate: the decision table producing a Verdict
//	- AuditLogger: asynchronous, append-only validation records
//	- Guard: blocks callers that keep presenting unknown keys
//
// # Validation Flow
//
// A validation is checked in this order, and the first failing check
// decides the reason:
//
//	1. caller blocked by the guard
//	2. key unknown
//	3. product mismatch, when the request names a product
//	4. license deactivated
//	5. license expired
//	6. hardware id differs from the bound one
//
// Inactive and expired licenses never reach the binder, so a dead key
// cannot claim a new machine. Every verdict, accepted or not, produces
// exactly one ValidationLog record.
//
// # Concurrency
//
// Operations on one key (validate, toggle, reset, delete) are serialised
// by a striped lock; different keys do not contend. The bind is also a
// compare-and-set in the store so instances sharing a database cannot both
// bind the same license.
//
// # Keys
//
// Keys are 25 Crockford base32 symbols in five dash separated groups,
// carrying 125 bits from crypto/rand. Stores keep deleted keys retired so a
// key is never issued twice.
package license
