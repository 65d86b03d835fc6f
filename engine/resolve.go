package engine

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/guseggert/cellrun/api"
	"mvdan.cc/sh/v3/syntax"
)

var resolvableLanguages = map[string]syntax.LangVariant{
	"":            syntax.LangBash,
	"sh":          syntax.LangPOSIX,
	"bash":        syntax.LangBash,
	"zsh":         syntax.LangBash,
	"ksh":         syntax.LangMirBSDKorn,
	"fish":        syntax.LangBash,
	"shell":       syntax.LangBash,
	"shellscript": syntax.LangBash,
}

// resolveVariables classifies the top-level "export NAME=VALUE" statements of a script.
// Statements the client is expected to replace (because it will prompt for them, or because the value
// is already known) are removed from the returned script. env holds the values known to the engine.
func resolveVariables(req *api.ResolveVariablesRequest, env map[string]string) (*api.ResolveVariablesResponse, error) {
	lang, ok := resolvableLanguages[strings.ToLower(req.LanguageID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrInvalidLanguage, req.LanguageID)
	}
	src := req.Script
	if len(req.Commands) > 0 {
		src = strings.Join(req.Commands, "\n")
	}
	file, err := syntax.NewParser(syntax.Variant(lang)).Parse(strings.NewReader(src), "")
	if err != nil {
		// not something we can reason about, let the shell report it
		return &api.ResolveVariablesResponse{Script: src}, nil
	}

	resp := &api.ResolveVariablesResponse{}
	var kept []*syntax.Stmt
	for _, stmt := range file.Stmts {
		if req.Mode == api.ResolveModeSkipAll {
			kept = append(kept, stmt)
			continue
		}
		v, ok := classifyExport(stmt, env, req.Mode)
		if !ok {
			kept = append(kept, stmt)
			continue
		}
		resp.Vars = append(resp.Vars, v)
		if v.Status == api.VarStatusUnresolvedWithScript {
			kept = append(kept, stmt)
		}
	}
	if len(kept) == 0 {
		return resp, nil
	}
	file.Stmts = kept

	var buf bytes.Buffer
	err = syntax.NewPrinter().Print(&buf, file)
	if err != nil {
		return nil, fmt.Errorf("printing script: %w", err)
	}
	resp.Script = buf.String()
	return resp, nil
}

func classifyExport(stmt *syntax.Stmt, env map[string]string, mode api.ResolveMode) (api.VarResult, bool) {
	decl, ok := stmt.Cmd.(*syntax.DeclClause)
	if !ok || decl.Variant.Value != "export" || len(decl.Args) != 1 {
		return api.VarResult{}, false
	}
	if stmt.Negated || stmt.Background || stmt.Coprocess || len(stmt.Redirs) > 0 {
		return api.VarResult{}, false
	}
	a := decl.Args[0]
	if a.Name == nil || a.Naked || a.Append || a.Index != nil || a.Array != nil {
		return api.VarResult{}, false
	}

	v := api.VarResult{Name: a.Name.Value}
	known := env[v.Name]
	if known != "" && mode != api.ResolveModePrompt {
		v.Status = api.VarStatusResolved
		v.ResolvedValue = known
		return v, true
	}
	v.ResolvedValue = known

	lit, dquoted, ok := literalValue(a.Value)
	if !ok {
		var buf bytes.Buffer
		_ = syntax.NewPrinter().Print(&buf, a.Value)
		v.Status = api.VarStatusUnresolvedWithScript
		v.OriginalValue = buf.String()
		return v, true
	}
	v.OriginalValue = lit
	if dquoted {
		v.Status = api.VarStatusUnresolvedWithMessage
	} else {
		v.Status = api.VarStatusUnresolvedWithPlaceholder
	}
	return v, true
}

// literalValue returns the value of a word that contains no expansion,
// and whether it was written as a double-quoted string.
func literalValue(w *syntax.Word) (string, bool, bool) {
	if w == nil {
		return "", false, true
	}
	if len(w.Parts) != 1 {
		return "", false, false
	}
	switch p := w.Parts[0].(type) {
	case *syntax.Lit:
		return p.Value, false, true
	case *syntax.SglQuoted:
		return p.Value, false, true
	case *syntax.DblQuoted:
		var sb strings.Builder
		for _, part := range p.Parts {
			lit, ok := part.(*syntax.Lit)
			if !ok {
				return "", false, false
			}
			sb.WriteString(lit.Value)
		}
		return sb.String(), true, true
	}
	return "", false, false
}
