// Package card defines the greeting card model, create input validation, and
// the Store interface implemented by the memory and postgres stores.
//
// A card is public by id: anyone holding the share link can read it. Deleting
// requires the owner token returned once at creation, which is stored only as
// a sha256 hash.
package card
