// Package onnx provides a native sentence-transformer embedder backed by
// onnxruntime. It compiles only under the onnx build tag; without the tag
// the package carries no implementation and nothing links against the
// runtime.
package onnx
