package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tpl, err := Parse(`{"Resources":{"Fn":{"Type":"AWS::Lambda::Function","Properties":{"MemorySize":128}}}}`)
	require.NoError(t, err)

	res, ok := tpl.Resource("Fn")
	require.True(t, ok)
	assert.Equal(t, "AWS::Lambda::Function", res.Type)
	assert.Equal(t, float64(128), res.Property("MemorySize"))
}

func TestParseYAMLShortForms(t *testing.T) {
	body := `
Resources:
  Bucket:
    Type: AWS::S3::Bucket
    Properties:
      BucketName: !Sub "${AWS::StackName}-data"
      Tags:
        - Key: arn
          Value: !GetAtt Role.Arn
        - Key: ref
          Value: !Ref Param
      Count: 3
      Enabled: true
      Parts: !Join [",", [a, b]]
`
	tpl, err := Parse(body)
	require.NoError(t, err)

	res, ok := tpl.Resource("Bucket")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"Fn::Sub": "${AWS::StackName}-data"}, res.Property("BucketName"))
	assert.Equal(t, float64(3), res.Property("Count"))
	assert.Equal(t, true, res.Property("Enabled"))
	assert.Equal(t, map[string]any{"Fn::Join": []any{",", []any{"a", "b"}}}, res.Property("Parts"))

	tags := res.Property("Tags").([]any)
	require.Len(t, tags, 2)
	assert.Equal(t, map[string]any{"Fn::GetAtt": []any{"Role", "Arn"}}, tags[0].(map[string]any)["Value"])
	assert.Equal(t, map[string]any{"Ref": "Param"}, tags[1].(map[string]any)["Value"])
}

func TestParseEmpty(t *testing.T) {
	tpl, err := Parse("   ")
	require.NoError(t, err)
	assert.Empty(t, tpl)
}

func TestParseRejectsNonMapping(t *testing.T) {
	_, err := Parse("- a\n- b\n")
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	tpl := Template{"Resources": map[string]any{"A": map[string]any{"Type": "T"}}}
	clone, err := tpl.Clone()
	require.NoError(t, err)

	clone.Resources()["A"].(map[string]any)["Type"] = "Changed"
	res, _ := tpl.Resource("A")
	assert.Equal(t, "T", res.Type)
}

func TestFullDiff(t *testing.T) {
	current := Template{
		"Resources": map[string]any{
			"Same":    map[string]any{"Type": "T", "Properties": map[string]any{"A": "1"}},
			"Changed": map[string]any{"Type": "T", "Properties": map[string]any{"A": "1", "B": "2"}, "DependsOn": "Same"},
			"Gone":    map[string]any{"Type": "T"},
		},
		"Outputs": map[string]any{"Out": map[string]any{"Value": "x"}},
	}
	desired := Template{
		"Resources": map[string]any{
			"Same":    map[string]any{"Type": "T", "Properties": map[string]any{"A": "1"}},
			"Changed": map[string]any{"Type": "T", "Properties": map[string]any{"A": "9", "B": "2"}},
			"New":     map[string]any{"Type": "T"},
			"Added":   map[string]any{"Type": "T", "Properties": map[string]any{"P": "v"}},
		},
		"Outputs": map[string]any{"Out": map[string]any{"Value": "y"}},
	}

	diff := FullDiff(current, desired)
	assert.Equal(t, []string{"Added", "Changed", "Gone", "New"}, diff.ResourceIDs())
	assert.Equal(t, map[string]PropertyDifference{"P": {OldValue: nil, NewValue: "v"}}, diff.Resources["Added"].PropertyDiffs)
	assert.Equal(t, []string{"Out"}, diff.OutputIDs())

	changed := diff.Resources["Changed"]
	assert.False(t, changed.IsAddition())
	assert.False(t, changed.IsRemoval())
	assert.Equal(t, map[string]PropertyDifference{"A": {OldValue: "1", NewValue: "9"}}, changed.PropertyDiffs)
	assert.Equal(t, map[string]PropertyDifference{"DependsOn": {OldValue: "Same", NewValue: nil}}, changed.OtherDiffs)

	assert.True(t, diff.Resources["New"].IsAddition())
	assert.Empty(t, diff.Resources["New"].PropertyDiffs)
	assert.True(t, diff.Resources["Gone"].IsRemoval())
	assert.Equal(t, "", diff.Resources["New"].OldResourceType())
	assert.Equal(t, "T", diff.Resources["Gone"].OldResourceType())
}
