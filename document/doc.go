// Package document loads a PDF file and serves its pages.
//
// Loading is an explicit sequence of states:
//
//	Unloaded → HeaderChecked → XRefLocated → Parsed → FirstPageVerified → Ready
//
// Every step runs under [Ensure], so bytes a network source has not
// delivered are requested and the step repeated. When the cross-reference
// index turns out to be unusable, either while reading the trailer chain
// or because page 0 points at a bad entry, the document enters
// RecoveryRequested: the whole file is loaded, a chunked source is swapped
// for an in-memory copy, and the index is rebuilt by scanning for objects.
// Recovery happens at most once per Load; a second failure is final.
//
//	doc := document.New(src, document.Options{Logger: logger})
//	if err := doc.Load(ctx); err != nil {
//	    var pe *core.PasswordError
//	    if errors.As(err, &pe) {
//	        doc.SetPassword(askUser(pe.Code))
//	        err = doc.Load(ctx)
//	    }
//	}
//	page, err := doc.Page(ctx, 0)
package document
