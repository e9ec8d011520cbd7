package memory

// Engine bundles the assembled memory subsystem for an embedding process.
// The surrounding chat pipeline calls Augmenter.Enhance on each turn and
// Extractor.ProcessConversation on each batch; Catalog is the direct access
// surface for everything else.
type Engine struct {
	Catalog   *Catalog
	Extractor *Extractor
	Augmenter *Augmenter
}
