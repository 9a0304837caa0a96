package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReadOnlyCommand(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"ls -la", true},
		{"cat README.md | grep -n foo", true},
		{"git status && git diff HEAD~1", true},
		{"git -C sub log --oneline", true},
		{"LC_ALL=C sort names.txt", true},
		{"sed -n '1,5p' f", true},
		{"sed 's/error/warning/g' log", true},
		{"sed -n '/re/{p;q}' f", true},
		{"sed --expression=p f", true},
		{"sed -e ':a' -e 'N;$!ba' -e 's/\\n/ /g' f", true},
		{"uniq -c in.txt", true},
		{"xxd -c 8 dump.bin", true},
		{"tree -L 2", true},
		{"date +%s", true},
		{"date -d tomorrow +%F", true},
		{"rg --pretty todo", true},
		{"git log --oneline -n 5", true},
		{"git diff --stat", true},
		{"grep -r x . 2>/dev/null", true},
		{"ls 2>&1 | head", true},
		{`echo "a > b"`, true},
		{"find . -name '*.go'", true},

		{"", false},
		{"rm -rf build", false},
		{"/tmp/evil/ls", false},
		{"ls > listing.txt", false},
		{"echo hi >> log", false},
		{"find . -delete", false},
		{"find . -exec rm {} ;", false},
		{"sed -i s/a/b/ f", false},
		{"sort -o out in", false},
		{"git commit -m x", false},
		{"git branch -D old", false},
		{"git push", false},
		{"env rm -rf /", false},
		{"echo $(rm x)", false},
		{"echo `rm x`", false},
		{`echo "$(touch x)"`, false},
		{"ls; touch x", false},
		{"ls & touch x", false},
		{"cat 'unterminated", false},

		{"FOO=1 printenv FOO", false},
		{"LD_PRELOAD=/tmp/x.so ls", false},
		{"GIT_EXTERNAL_DIFF=/tmp/x git diff", false},
		{"uniq in.txt out.txt", false},
		{"uniq -f 1 in.txt out.txt", false},
		{"xxd -r dump.hex out.bin", false},
		{"xxd -ps in out", false},
		{"xxd -nfoo in out", false},
		{"tree -o listing.txt", false},
		{"tree -R -H .", false},
		{"date -s 2020-01-01", false},
		{"date --set=2020-01-01", false},
		{"date 0101000020", false},
		{"hostname evil", false},
		{"rg --pre ./run.sh x", false},
		{"rg --pre=./run.sh x", false},
		{"fd -x rm", false},
		{"sort -ro out in", false},
		{"sort --compress-program=sh in", false},
		{"less +!id f", false},
		{"file -C -m magic", false},
		{"env -S'rm -rf x'", false},
		{"cat <(touch x)", false},
		{"git -c core.fsmonitor='touch /tmp/x' status", false},
		{"git --config-env=core.pager=P log", false},
		{"git --exec-path=/tmp log", false},
		{"git diff --output=patch.diff", false},
		{"git log --outp=x", false},
		{"git grep -O foo", false},
		{"sed -n 'w copy.txt' in.txt", false},
		{"sed -n '1e touch /tmp/x' README", false},
		{"sed 's/a/b/w out' f", false},
		{"sed 's/a/b/e' f", false},
		{"sed '1r /etc/passwd' f", false},
		{"sed 'R other' f", false},
		{"sed -e p -e 'W out' f", false},
		{"sed -n '/x/{p;w out}' f", false},
		{"sed -ni p f", false},
		{"sed -f script.sed f", false},
		{"sed", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReadOnlyCommand(tt.line))
		})
	}
}

func TestParseCommand_Segments(t *testing.T) {
	pc, err := parseCommand(`A=1 go test ./... && echo 'done; really' || exit 1`)
	require.NoError(t, err)
	require.Len(t, pc.segments, 3)
	assert.Equal(t, "go", pc.segments[0].name())
	assert.Equal(t, []string{"echo", "done; really"}, pc.segments[1].words)
	assert.Equal(t, "exit", pc.segments[2].name())
	assert.False(t, pc.writes)
	assert.False(t, pc.substitution)
}

func TestCommandNames(t *testing.T) {
	names, _, err := commandNames("/usr/bin/ls -l | wc -l; echo done")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/ls", "wc", "echo"}, names)
}

func TestStripCdPrefix(t *testing.T) {
	tests := []struct {
		name string
		line string
		cwd  string
		want string
	}{
		{"matching cwd", "cd /work && go test ./...", "/work", "go test ./..."},
		{"quoted cwd", `cd "/my work" && ls`, "/my work", "ls"},
		{"trailing slash", "cd /work/ && ls", "/work", "ls"},
		{"different dir", "cd /other && ls", "/work", "cd /other && ls"},
		{"no conjunction", "cd /work", "/work", "cd /work"},
		{"sequence not stripped", "cd /work; ls", "/work", "cd /work; ls"},
		{"empty cwd", "cd /work && ls", "", "cd /work && ls"},
		{"nothing after", "cd /work && ", "/work", "cd /work && "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCdPrefix(tt.line, tt.cwd))
		})
	}
}
