/*
Package types defines the identifiers shared by every locator
subsystem: object ids, heap file ids, B+tree ids, virtual page ids, log
sequence addresses and transaction handles.

These are small comparable structs, not a domain model — they exist so
OID, HFID, BTID and friends have one definition instead of five. See
pkg/pagecodec for the on-disk layout that refers to VPID and HFID, and
pkg/locator for where OID and TranIndex get used heavily.
*/
package types
