// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iam

// ExpandPolicies mirrors every non-inverted grant on the ingestion
// subject into an equivalent grant on the archive subject, translating
// field references along the way. Permission on a source implies
// permission on the emails it produced. A policy is not mirrored when
// an explicit archive rule already covers any of its actions (or
// manage), so a deliberately narrower archive policy is never widened.
func ExpandPolicies(policies []Policy) []Policy {
	existingArchiveActions := map[string]struct{}{}
	for _, p := range policies {
		if p.Subject.Contains("archive") {
			for _, a := range p.Action {
				existingArchiveActions[a] = struct{}{}
			}
		}
	}
	_, hasArchiveManage := existingArchiveActions["manage"]

	expanded := make([]Policy, 0, len(policies)+2)
	for _, p := range policies {
		expanded = append(expanded, clonePolicy(p))
	}
	for _, p := range policies {
		if p.Inverted || !p.Subject.Contains("ingestion") {
			continue
		}
		explicit := hasArchiveManage
		for _, a := range p.Action {
			if _, ok := existingArchiveActions[a]; ok {
				explicit = true
				break
			}
		}
		if explicit {
			continue
		}
		mirror := clonePolicy(p)
		mirror.Subject = StringList{"archive"}
		mirror.Conditions = translateIngestionConditions(mirror.Conditions)
		expanded = append(expanded, mirror)
	}
	return expanded
}

// translateIngestionConditions rewrites source field references into
// their archive-side equivalents: the source's own id becomes the
// archived record's foreign key, and owner/name/provider/status become
// dotted relation references. Logical operators recurse.
func translateIngestionConditions(conditions map[string]interface{}) map[string]interface{} {
	if conditions == nil {
		return nil
	}
	translated := make(map[string]interface{}, len(conditions))
	for key, value := range conditions {
		switch key {
		case "$or", "$and", "$nor":
			if list, ok := value.([]interface{}); ok {
				out := make([]interface{}, len(list))
				for i, item := range list {
					if obj, ok := item.(map[string]interface{}); ok {
						out[i] = translateIngestionConditions(obj)
					} else {
						out[i] = item
					}
				}
				translated[key] = out
				continue
			}
		case "$not":
			if obj, ok := value.(map[string]interface{}); ok {
				translated[key] = translateIngestionConditions(obj)
				continue
			}
		}

		newKey := key
		switch key {
		case "id":
			newKey = "ingestionSourceId"
		case "userId", "name", "provider", "status":
			newKey = "ingestionSource." + key
		}
		translated[newKey] = value
	}
	return translated
}

func clonePolicy(p Policy) Policy {
	out := p
	out.Action = append(StringList(nil), p.Action...)
	out.Subject = append(StringList(nil), p.Subject...)
	if p.Conditions != nil {
		out.Conditions = cloneConditionMap(p.Conditions)
	}
	return out
}

func cloneConditionMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneConditionValue(v)
	}
	return out
}

func cloneConditionValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		return cloneConditionMap(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = cloneConditionValue(item)
		}
		return out
	default:
		return v
	}
}
