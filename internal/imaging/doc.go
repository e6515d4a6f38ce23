// Package imaging holds the raster types shared by the segmentation pipeline:
// float intensity grids for slices and binary masks, plus the resize,
// normalization, thresholding, and PNG/TIFF codecs the pipeline needs.
package imaging
