// Package changes persists the incremental change log replayed during
// save-from-changes conversions.
//
// Change records append under a per-document critical section so submission
// order matches change_id order. Inserts are chunked to respect a maximum
// statement size; reads page in ascending change_id order.
package changes
