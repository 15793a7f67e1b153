// Package gemini provides an implementation of generation.Generator backed
// by Google's Gemini API.
package gemini
