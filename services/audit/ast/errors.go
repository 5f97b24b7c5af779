// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import "errors"

// Sentinel errors for parsing.
var (
	// ErrUnsupportedLanguage is returned when no parser is registered for
	// a file extension.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrFileTooLarge is returned when content exceeds the parser's limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidContent is returned for content that is not valid UTF-8.
	ErrInvalidContent = errors.New("content is not valid UTF-8")

	// ErrInvalidRoot is returned when the project root is not a directory.
	ErrInvalidRoot = errors.New("project root is not a directory")
)
