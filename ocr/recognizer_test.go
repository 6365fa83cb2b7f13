package ocr

import "github.com/tsawler/pagestream/worker"

var _ worker.Recognizer = (*Client)(nil)
