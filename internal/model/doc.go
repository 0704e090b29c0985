// Package model holds the records shared by the dispatch core and its stores:
// posts, scheduled dispatch entries, usage ledger rows and owner settings.
package model
