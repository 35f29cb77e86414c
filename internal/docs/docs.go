// Package docs は埋め込みのOpenAPI定義を配信する。
package docs

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIDoc []byte

// Handler はOpenAPI定義を返すHTTPハンドラ。
type Handler struct {
	yamlDoc []byte
	jsonDoc []byte
}

// NewHandler は埋め込みのOpenAPI定義からHandlerを生成する。
func NewHandler() (*Handler, error) {
	return newHandler(openAPIDoc)
}

func newHandler(doc []byte) (*Handler, error) {
	var v map[string]any
	if err := yaml.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("OpenAPI定義の解析に失敗: %w", err)
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("OpenAPI定義のJSON変換に失敗: %w", err)
	}
	return &Handler{yamlDoc: doc, jsonDoc: j}, nil
}

// Register はルートを登録する。
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/v3/api-docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", h.jsonDoc)
	})
	r.GET("/v3/api-docs.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml; charset=utf-8", h.yamlDoc)
	})
}
