package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/apperr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TextTransformType is the registry key for the text transform action node.
const TextTransformType = "text-transform"

// Text transform operations.
const (
	TextOpUppercase   = "uppercase"
	TextOpLowercase   = "lowercase"
	TextOpTitle       = "title"
	TextOpTrim        = "trim"
	TextOpReplace     = "replace"
	TextOpSplit       = "split"
	TextOpConcatenate = "concatenate"
)

// TextTransform is an action node applying a configured string operation to
// the previous node's output.
type TextTransform struct{}

// NewTextTransform creates a text transform node.
func NewTextTransform() *TextTransform {
	return &TextTransform{}
}

// Validate checks that the configured operation is known.
func (t *TextTransform) Validate(config map[string]interface{}) *apperr.Error {
	op, _ := config["operation"].(string)
	switch op {
	case TextOpUppercase, TextOpLowercase, TextOpTitle, TextOpTrim,
		TextOpReplace, TextOpSplit, TextOpConcatenate:
		return nil
	case "":
		return apperr.NewBadRequest("Text transform requires an operation!", nil,
			"node - TextTransform.Validate - missing operation")
	default:
		return apperr.NewBadRequest("Unknown text transform operation!",
			map[string]interface{}{"operation": op},
			"node - TextTransform.Validate - unknown operation")
	}
}

// Execute applies the configured operation to the defaultData input.
func (t *TextTransform) Execute(ctx context.Context, input ExecuteInput) (*Result, *apperr.Error) {
	if err := t.Validate(input.Config); err != nil {
		return nil, err.WithTrace("node - TextTransform.Execute - Validate")
	}
	op := input.Config["operation"].(string)

	value := ""
	if raw, ok := input.Data["defaultData"]; ok && raw != nil {
		if s, ok := raw.(string); ok {
			value = s
		} else {
			value = fmt.Sprint(raw)
		}
	}

	switch op {
	case TextOpUppercase:
		return textResult(strings.ToUpper(value)), nil
	case TextOpLowercase:
		return textResult(strings.ToLower(value)), nil
	case TextOpTitle:
		return textResult(cases.Title(language.Und).String(value)), nil
	case TextOpTrim:
		cutset, _ := input.Config["cutset"].(string)
		if cutset == "" {
			return textResult(strings.TrimSpace(value)), nil
		}
		return textResult(strings.Trim(value, cutset)), nil
	case TextOpReplace:
		old, _ := input.Config["old"].(string)
		replacement, _ := input.Config["new"].(string)
		if old == "" {
			return nil, apperr.NewBadRequest("Replace requires a non-empty old value!", nil,
				"node - TextTransform.Execute - empty old")
		}
		return textResult(strings.ReplaceAll(value, old, replacement)), nil
	case TextOpSplit:
		delimiter, _ := input.Config["delimiter"].(string)
		parts := []string{value}
		if delimiter != "" {
			parts = strings.Split(value, delimiter)
		}
		return &Result{
			Status:  StatusSuccess,
			Format:  FormatArray,
			Content: map[string]interface{}{"defaultData": parts},
		}, nil
	case TextOpConcatenate:
		separator, _ := input.Config["separator"].(string)
		suffix, _ := input.Config["suffix"].(string)
		prefix, _ := input.Config["prefix"].(string)
		joined := value
		if prefix != "" {
			joined = prefix + separator + joined
		}
		if suffix != "" {
			joined = joined + separator + suffix
		}
		return textResult(joined), nil
	}

	return nil, apperr.NewBadRequest("Unknown text transform operation!",
		map[string]interface{}{"operation": op},
		"node - TextTransform.Execute - unknown operation")
}

func textResult(value string) *Result {
	return &Result{
		Status:  StatusSuccess,
		Format:  FormatString,
		Content: map[string]interface{}{"defaultData": value},
	}
}
