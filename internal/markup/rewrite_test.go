package markup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/eltag/internal/markup"
	"github.com/conneroisu/eltag/internal/parser"
)

func mustParse(t *testing.T, path, src string) *markup.Tree {
	t.Helper()
	tree, err := parser.DefaultRegistry().Parse(path, []byte(src))
	require.NoError(t, err)
	return tree
}

func TestRewriterAddUpdateRemove(t *testing.T) {
	src := "const App = () => (\n  <div className=\"a\">\n    <span data-el-id=\"old\" />\n    <p\n      data-el-id=\"gone\"\n    >x</p>\n  </div>\n);\n"
	tree := mustParse(t, "App.jsx", src)
	els := tree.Elements()
	require.Len(t, els, 3)

	rw := markup.NewRewriter(tree)
	assert.False(t, rw.Modified())

	old, existed, err := rw.SetAttribute(els[0], "data-el-id", "App-div-1")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, old)

	old, existed, err = rw.SetAttribute(els[1], "data-el-id", "App-span-2")
	require.NoError(t, err)
	assert.True(t, existed)
	require.NotNil(t, old)
	assert.Equal(t, "old", *old)

	old, removed := rw.RemoveAttribute(els[2], "data-el-id")
	assert.True(t, removed)
	assert.Equal(t, "gone", *old)

	assert.True(t, rw.Modified())
	out, err := rw.Print()
	require.NoError(t, err)
	assert.Equal(t,
		"const App = () => (\n  <div className=\"a\" data-el-id=\"App-div-1\">\n    <span data-el-id=\"App-span-2\" />\n    <p\n    >x</p>\n  </div>\n);\n",
		string(out))
}

func TestRewriterSameValueIsNoop(t *testing.T) {
	tree := mustParse(t, "A.jsx", `x = <a data-el-id="same"/>`)
	el := tree.Elements()[0]
	rw := markup.NewRewriter(tree)

	_, existed, err := rw.SetAttribute(el, "data-el-id", "same")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, rw.Modified())

	out, err := markup.Print(rw)
	require.NoError(t, err)
	assert.Equal(t, tree.Source, out)
}

func TestRewriterCancelPendingAdd(t *testing.T) {
	tree := mustParse(t, "A.jsx", `x = <a href="/"/>`)
	el := tree.Elements()[0]
	rw := markup.NewRewriter(tree)

	_, _, err := rw.SetAttribute(el, "data-el-id", "A-a-1")
	require.NoError(t, err)
	v, ok := rw.Attribute(el, "data-el-id")
	require.True(t, ok)
	assert.Equal(t, "A-a-1", *v)

	old, removed := rw.RemoveAttribute(el, "data-el-id")
	assert.True(t, removed)
	assert.Equal(t, "A-a-1", *old)
	assert.False(t, rw.Modified())

	_, ok = rw.Attribute(el, "data-el-id")
	assert.False(t, ok)
}

func TestRewriterTemplInsertsAfterName(t *testing.T) {
	src := "package c\n\ntempl Box() {\n\t<div class=\"box\"><br/></div>\n}\n"
	tree := mustParse(t, "box.templ", src)
	els := tree.Elements()
	require.Len(t, els, 2)

	rw := markup.NewRewriter(tree)
	for i, el := range els {
		_, _, err := rw.SetAttribute(el, "data-el-id", []string{"Box-div-1", "Box-br-2"}[i])
		require.NoError(t, err)
	}
	out, err := rw.Print()
	require.NoError(t, err)
	assert.Equal(t, "package c\n\ntempl Box() {\n\t<div data-el-id=\"Box-div-1\" class=\"box\"><br data-el-id=\"Box-br-2\"/></div>\n}\n", string(out))
}

func TestRewriterEscapesValues(t *testing.T) {
	tree := mustParse(t, "A.jsx", `x = <a/>`)
	rw := markup.NewRewriter(tree)
	_, _, err := rw.SetAttribute(tree.Elements()[0], "title", `say "hi" & go`)
	require.NoError(t, err)
	out, err := rw.Print()
	require.NoError(t, err)
	assert.Equal(t, `x = <a title="say &quot;hi&quot; &amp; go"/>`, string(out))
}

func TestRewriterRejectsInvalidName(t *testing.T) {
	tree := mustParse(t, "A.jsx", `x = <a/>`)
	rw := markup.NewRewriter(tree)
	_, _, err := rw.SetAttribute(tree.Elements()[0], "bad name", "v")
	assert.Error(t, err)
	_, _, err = rw.SetAttribute(nil, "data-el-id", "v")
	assert.Error(t, err)
}
