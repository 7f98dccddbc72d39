package resource

// DetectPivot applies the pivot-table heuristic: a resource whose belongsTo
// foreign keys number at least two and make up at least 40% of its non-id
// fields behaves like a join table. It returns the verdict plus the fk field
// names to mark searchable. Pure function of the definition, so it can be
// replaced by an explicit per-resource flag without touching compilation.
func DetectPivot(def *Definition) (bool, []string) {
	var fkFields []string
	for _, rel := range def.Relationships {
		if rel.Kind != BelongsTo {
			continue
		}
		if _, ok := def.Fields[rel.ForeignKey]; ok {
			fkFields = append(fkFields, rel.ForeignKey)
		}
	}

	if len(fkFields) < 2 {
		return false, nil
	}

	nonID := 0
	for name := range def.Fields {
		if name != def.IDField {
			nonID++
		}
	}
	if nonID == 0 {
		return false, nil
	}

	if len(fkFields)*100 < nonID*40 {
		return false, nil
	}
	return true, fkFields
}
