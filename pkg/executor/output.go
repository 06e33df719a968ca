package executor

import (
	"io"

	"github.com/forgerun/forgerun/pkg/metrics"
	"github.com/forgerun/forgerun/pkg/types"
)

// readBounded reads up to inlineLimit bytes of stream into memory and
// discards (but counts) anything past that, returning the OutputResult
// shape the scheduler forwards on to the client: None for an empty
// stream, Inline when everything fit, Truncated when it didn't.
func readBounded(stream io.Reader, inlineLimit int64, label string) (types.OutputResult, error) {
	limited := io.LimitReader(stream, inlineLimit)
	first, err := io.ReadAll(limited)
	if err != nil {
		return types.OutputResult{}, err
	}

	truncated, err := io.Copy(io.Discard, stream)
	if err != nil {
		return types.OutputResult{}, err
	}

	switch {
	case truncated == 0 && len(first) == 0:
		return types.OutputResult{Kind: types.OutputNone}, nil
	case truncated == 0:
		return types.OutputResult{Kind: types.OutputInline, Inline: first}, nil
	default:
		metrics.OutputTruncationsTotal.WithLabelValues(label).Inc()
		return types.OutputResult{
			Kind:      types.OutputTruncated,
			First:     first,
			Truncated: int(truncated),
		}, nil
	}
}
