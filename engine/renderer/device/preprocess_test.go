package device

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

type mapResolver map[string]string

func (m mapResolver) ReadShader(path string) ([]byte, error) {
	src, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("no such shader %q", path)
	}
	return []byte(src), nil
}

func TestPreprocessIncludesAndConditionals(t *testing.T) {
	resolver := mapResolver{
		"shaders/lighting.frag":    "#version 450\n#include \"common/brdf.glsl\"\n#ifdef SHADOWS\nfloat shadow();\n#else\nfloat noShadow();\n#endif\nvoid main() {}\n",
		"shaders/common/brdf.glsl": "float brdf();\n",
	}

	src, err := Preprocess(resolver, "shaders/lighting.frag", map[string]string{"SHADOWS": "1"})
	require.NoError(t, err)
	assert.Equal(t, "#version 450\n#define SHADOWS 1\nfloat brdf();\nfloat shadow();\nvoid main() {}\n", src)
	assert.NotContains(t, src, "noShadow")

	src, err = Preprocess(resolver, "shaders/lighting.frag", nil)
	require.NoError(t, err)
	assert.Contains(t, src, "noShadow")
	assert.NotContains(t, src, "float shadow();")
}

func TestPreprocessIfExpressions(t *testing.T) {
	resolver := mapResolver{
		"slots.frag": "#ifdef SHADOWS\nslot0;\n#if COUNT > 1\nslot1;\n#endif\n#if COUNT >= 3\nslot2;\n#elif defined(WIDE)\nwide;\n#else\nnarrow;\n#endif\n#endif\n",
	}

	src, err := Preprocess(resolver, "slots.frag", map[string]string{"SHADOWS": "1", "COUNT": "2"})
	require.NoError(t, err)
	assert.Equal(t, "#define COUNT 2\n#define SHADOWS 1\nslot0;\nslot1;\nnarrow;\n", src)

	src, err = Preprocess(resolver, "slots.frag", map[string]string{"SHADOWS": "1", "COUNT": "1", "WIDE": ""})
	require.NoError(t, err)
	assert.Contains(t, src, "wide;")
	assert.NotContains(t, src, "slot1;")

	src, err = Preprocess(resolver, "slots.frag", map[string]string{"SHADOWS": "1", "COUNT": "4"})
	require.NoError(t, err)
	assert.Contains(t, src, "slot2;")
	assert.NotContains(t, src, "wide;")

	_, err = Preprocess(mapResolver{"bad.frag": "#if 1 + 2\n#endif\n"}, "bad.frag", nil)
	assert.ErrorIs(t, err, core.ErrShaderCompileFailure)
}

func TestPreprocessDefinesAfterVersion(t *testing.T) {
	src := injectDefines("#version 450\nvoid main() {}\n", map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, "#version 450\n#define A 1\n#define B 2\nvoid main() {}\n", src)
}

func TestPreprocessFailures(t *testing.T) {
	resolver := mapResolver{
		"a.glsl":     "#include \"b.glsl\"\n",
		"b.glsl":     "#include \"a.glsl\"\n",
		"error.glsl": "#ifndef FEATURE\n#error FEATURE is required\n#endif\n",
		"open.glsl":  "#ifdef X\n",
		"else.glsl":  "#else\n",
	}
	for name, file := range map[string]string{
		"recursive include": "a.glsl",
		"error directive":   "error.glsl",
		"unterminated":      "open.glsl",
		"dangling else":     "else.glsl",
		"missing file":      "missing.glsl",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Preprocess(resolver, file, nil)
			assert.ErrorIs(t, err, core.ErrShaderCompileFailure)
		})
	}

	_, err := Preprocess(resolver, "error.glsl", map[string]string{"FEATURE": ""})
	assert.NoError(t, err)
}

func TestShaderLayout(t *testing.T) {
	s, err := newShader(ShaderDescription{
		Label:      "lighting",
		Bindings:   []BindingSlot{{Name: "albedo", Kind: SlotTexture}, {Name: "lights", Kind: SlotStorageBuffer}},
		Properties: []Property{{Name: "view", Size: 64}, {Name: "params", Size: 16}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(80), s.PropertyBlockSize())

	index, slot, ok := s.Slot("lights")
	require.True(t, ok)
	assert.Equal(t, 2, index)
	assert.Equal(t, SlotStorageBuffer, slot.Kind)
	assert.Equal(t, propertyRange{offset: 64, size: 16}, s.properties["params"])

	_, err = newShader(ShaderDescription{Properties: []Property{{Name: "odd", Size: 12}}}, nil)
	assert.Error(t, err)
	_, err = newShader(ShaderDescription{Bindings: []BindingSlot{{Name: "a"}, {Name: "a"}}}, nil)
	assert.Error(t, err)
}

func TestBindingSetKeyIgnoresEntryOrder(t *testing.T) {
	a := BindingSetDescription{Entries: []BindingEntry{{Binding: 2}, {Binding: 1}}}
	b := BindingSetDescription{Entries: []BindingEntry{{Binding: 1}, {Binding: 2}}}
	assert.Equal(t, a.Key(), b.Key())

	b.Entries[0].Kind = SlotStorageBuffer
	assert.NotEqual(t, a.Key(), b.Key())
}
