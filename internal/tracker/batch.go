package tracker

import "context"

// chunks splits ids into slices of at most size elements, preserving
// order. A size below one collapses to a single chunk.
func chunks(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if size < 1 {
		return [][]string{ids}
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	return append(out, ids)
}

// fetchAll resolves every id through the adapter in chunk-sized bulk
// calls. Ids missing from a successful chunk are offline; a failed
// chunk marks all of its ids transient and the error is reported so
// the caller can back off.
func fetchAll(ctx context.Context, ad StreamAdapter, ids []string) ([]Result, error) {
	results := make([]Result, 0, len(ids))
	var firstErr error
	for _, chunk := range chunks(ids, ad.ChunkSize()) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		found, err := ad.FetchChunk(ctx, chunk)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			for _, id := range chunk {
				results = append(results, Result{ExternalID: id, Status: StatusTransient, Err: err})
			}
			continue
		}
		for _, id := range chunk {
			if info, ok := found[id]; ok {
				results = append(results, Result{ExternalID: id, Status: StatusFound, Stream: info})
			} else {
				results = append(results, Result{ExternalID: id, Status: StatusNotFound})
			}
		}
	}
	return results, firstErr
}
