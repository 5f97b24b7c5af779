// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts assembles the text sent to the models at each stage of
// an audit: business-flow extraction, detection, confirmation analysis and
// verdict coercion.
package prompts

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianAudit/services/audit/ast"
)

// DefaultTitle is used when a description carries no "title" field.
const DefaultTitle = "Logic Error"

// =============================================================================
// Role lines
// =============================================================================

var roles = map[ast.Language]string{
	ast.LanguageSolidity: "You are the best solidity auditor in the world",
	ast.LanguageRust:     "You are the best rust and rust contract in solana auditor in the world",
	ast.LanguagePython:   "You are the best python auditor in the world",
	ast.LanguageMove:     "You are the best move auditor in the world",
	ast.LanguageCairo:    "You are the best cairo and starknet auditor in the world",
	ast.LanguageTact:     "You are the best tact and TON auditor in the world",
	ast.LanguageFunC:     "You are the best func and TON auditor in the world",
	ast.LanguageJava:     "You are the best java auditor in the world",
	ast.LanguageVyper:    "You are the best vyper auditor in the world",
}

// RoleLine returns the auditor persona for a language.
func RoleLine(lang ast.Language) string {
	if r, ok := roles[lang]; ok {
		return r
	}
	return "You are the best blockchain auditor in the world"
}

// =============================================================================
// Templates
// =============================================================================

const detectionTemplate = `{{.Code}}
{{.Role}}
Your task is to pinpoint and correct any complex logical vulnerabilities present in the code.
We have already confirmed that the code contains only one exploitable, code-error based and non-related to other code logical bug due to error logic in the code, and your job is to identify it.
Follow the guidelines below for your response:
1. Describe this practical, exploitable code vulnerability in detail. It should be logical and an error or logic missing in the code, not based on technical errors or just security advice or best practices.
2. Show step-by-step how to exploit this vulnerability. The exploit should be beneficial for an auditor and could invalidate the code.
3. Keep your description clear and concise. Avoid vague terms.
4. Remember, all numbers in the code are positive, the code execution is atomic, which means the execution would not be interrupted or manipulated by another address from another transaction, and safemath is in use.
5. Do not respond with "the attacker uses some way"; the exploit method must be clear and usable.
6. Do not consider any corner case or extreme scenario, the vulnerability must be practical and exploitable.
7. Assume that the attacker cannot have the role of the owner of the contract.
Ensure your response is as detailed as possible, and strictly adheres to all the above requirements.
`

const businessFlowTemplate = `
{{.Code}}

Based on the code above, analyze the business flows that start with the {{.Entry}} function, consisting of multiple function calls. The analysis should adhere to the following requirements:
1. only output the one sub-business flows, and must start from {{.Entry}}.
2. The output business flows should only involve the list of functions of the contract itself (ignoring calls to other contracts or interfaces, as well as events).
3. After step-by-step analysis, output one result in JSON format, with the structure: {"{{.Entry}}":[function1,function2,function3....]}
4. The business flows must include all involved functions without any omissions
`

var (
	detectionTmpl    = template.Must(template.New("detection").Parse(detectionTemplate))
	businessFlowTmpl = template.Must(template.New("business_flow").Parse(businessFlowTemplate))
)

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		// Templates are static and data is plain strings.
		panic(fmt.Sprintf("prompts: render %s: %v", t.Name(), err))
	}
	return buf.String()
}

// =============================================================================
// Builders
// =============================================================================

// Detection builds the scan prompt for code written in lang.
func Detection(code string, lang ast.Language) string {
	return render(detectionTmpl, struct{ Code, Role string }{code, RoleLine(lang)})
}

// BusinessFlow asks for the intra-contract call chain starting at entry.
// code is the contract's comment-stripped source.
func BusinessFlow(code, entry string) string {
	return render(businessFlowTmpl, struct{ Code, Entry string }{code, entry})
}

// Confirmation asks the model to re-analyze code against a candidate
// vulnerability description, reasoning first and concluding last.
func Confirmation(code, vulnerability string) string {
	var b strings.Builder
	b.WriteString(code)
	b.WriteString("\n")
	b.WriteString(vulnerability)
	b.WriteString("\n")
	b.WriteString("Please re-analyze the original code step by step without drawing conclusions initially. ")
	b.WriteString("Based on the analysis results, provide a conclusion at the end: determine whether this vulnerability truly exists or likely exists.\n")
	return b.String()
}

// Verdict coerces a free-form analysis into the JSON verdict shape.
func Verdict(analysis string) string {
	return analysis + `

Based on the analysis above, output the conclusion as JSON only:
{"analysis": "<one paragraph summary>", "result": "yes"} if the vulnerability exists,
{"analysis": "<one paragraph summary>", "result": "no"} if it does not,
{"analysis": "<one paragraph summary>", "result": "not sure"} if the analysis is inconclusive.
`
}

var titleRe = regexp.MustCompile(`"title"\s*:\s*"([^"]+)"`)

// ExtractTitle returns the first "title" string field found in text, or
// DefaultTitle.
func ExtractTitle(text string) string {
	if m := titleRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return DefaultTitle
}
