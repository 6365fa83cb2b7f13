// Package api is the caller side of a worker channel.
//
// Open sends GetDocRequest over a [worker.Port], answers the worker's
// password requests and, for network documents, serves its GetReader and
// GetRangeReader streams from a [source.Transport]. The returned Document
// and its Pages proxy every worker action; failures come back as the typed
// errors of the core, source and worker packages.
//
//	doc, err := api.Open(ctx, port, api.Params{Data: pdf}, api.Options{})
//	if err != nil {
//		return err
//	}
//	defer doc.Destroy(ctx)
//	page, err := doc.Page(ctx, 0)
package api
