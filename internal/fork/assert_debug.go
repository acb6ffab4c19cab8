//go:build forkdebug

package fork

const debugAssertions = true
