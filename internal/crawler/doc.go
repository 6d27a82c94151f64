// Package crawler holds the domain model of the permit crawler: the index key
// codec, fetch outcomes, records, checkpoints, lanes and the interfaces the
// fetcher, extractor, merge store and checkpoint store implement.
package crawler
