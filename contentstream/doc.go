// Package contentstream parses PDF content streams and builds page
// operator lists.
//
// Content streams contain the instructions for rendering page content,
// including text display, graphics operations, and image placement.
//
// # Content Stream Operations
//
// PDF content streams consist of operators and their operands:
//
//	parser := contentstream.NewParser(streamData)
//	ops, err := parser.Parse()
//	for _, op := range ops {
//	    fmt.Printf("Operator: %s, Operands: %v\n", op.Operator, op.Operands)
//	}
//
// Inline images (BI ... ID ... EI) come back as a single BI operation with
// its dictionary and data in [Operation.Image].
//
// # Operator Lists
//
// [Builder] walks a page's content, expands form XObjects in place and
// appends the appearance streams of the annotations selected by the
// intent. Operations are delivered in chunks of [DefaultChunkSize]; the
// caller's check function runs before each chunk, which is where a
// cancelled task stops:
//
//	b := contentstream.NewBuilder(store, src, contentstream.BuilderOptions{Intent: pages.IntentDisplay})
//	err := b.Build(ctx, page, task.EnsureNotTerminated, func(c contentstream.Chunk) error {
//	    return sink.Enqueue(c)
//	})
//
// Executing the list is left to the consumer; operators are not
// interpreted beyond what building the list needs.
package contentstream
