// Package extract recovers the JavaScript chunk URLs a single-page application
// shell will load. Two sources are combined: the chunk manifest that bundlers
// inline into the HTML for lazy loading, and plain <script src> tags.
package extract
